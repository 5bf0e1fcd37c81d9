package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/cnectd/internal/auth"
	"github.com/matheus3301/cnectd/internal/client"
	"github.com/matheus3301/cnectd/internal/config"
	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/instance"
	"github.com/matheus3301/cnectd/internal/lock"
	"github.com/matheus3301/cnectd/internal/store"
	"github.com/matheus3301/cnectd/internal/wire"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default $CNECTD_HOME/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := instance.Resolve(*instanceFlag)
	if err := instance.ValidateName(name); err != nil {
		fail(err)
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = instance.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fail(err)
	}
	if err := config.ApplyEnv(cfg, instance.EnvPath()); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &cli{instance: name, cfg: cfg, json: *jsonFlag}

	// watch runs until interrupted; everything else is one request.
	if args[0] == "watch" {
		if len(args) < 2 {
			usageOf("watch <conversationId>")
		}
		if err := c.watch(args[1]); err != nil {
			fail(err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()

	switch args[0] {
	case "status":
		err = c.status(ctx)
	case "token":
		if len(args) < 2 {
			usageOf("token <userId> [ttl]")
		}
		err = c.token(args[1], args[2:])
	case "user":
		if len(args) < 3 {
			usageOf("user <add|delete> <userId> [displayName]")
		}
		err = c.user(args[1], args[2], strings.Join(args[3:], " "))
	case "conversations":
		err = c.conversations(ctx)
	case "dm":
		if len(args) < 2 {
			usageOf("dm <userId>")
		}
		err = c.dm(ctx, args[1])
	case "group":
		if len(args) < 3 {
			usageOf("group <name> <userId>...")
		}
		err = c.group(ctx, args[1], args[2:])
	case "send":
		if len(args) < 3 {
			usageOf("send <conversationId> <text>")
		}
		err = c.send(ctx, args[1], strings.Join(args[2:], " "))
	case "history":
		if len(args) < 2 {
			usageOf("history <conversationId> [cursor]")
		}
		err = c.history(ctx, args[1], args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fail(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: cnectctl [--instance <name>] [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                       Show daemon status")
	fmt.Fprintln(os.Stderr, "  token <userId> [ttl]         Issue a bearer token (default ttl 24h)")
	fmt.Fprintln(os.Stderr, "  user add <userId> <name>     Create or rename an account")
	fmt.Fprintln(os.Stderr, "  user delete <userId>         Soft-delete an account")
	fmt.Fprintln(os.Stderr, "  conversations                List your conversations")
	fmt.Fprintln(os.Stderr, "  dm <userId>                  Find or start a direct conversation")
	fmt.Fprintln(os.Stderr, "  group <name> <userId>...     Create a group")
	fmt.Fprintln(os.Stderr, "  send <conversationId> <text> Send a message")
	fmt.Fprintln(os.Stderr, "  history <conversationId>     Show a page of history")
	fmt.Fprintln(os.Stderr, "  watch <conversationId>       Follow a conversation live; stdin lines are sent")
}

func usageOf(s string) {
	fmt.Fprintf(os.Stderr, "usage: cnectctl %s\n", s)
	os.Exit(1)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

type cli struct {
	instance string
	cfg      *config.Config
	json     bool
}

func (c *cli) timeout() time.Duration {
	if c.cfg.Client.RequestTimeoutMS > 0 {
		return time.Duration(c.cfg.Client.RequestTimeoutMS) * time.Millisecond
	}
	return 10 * time.Second
}

func (c *cli) api() (*client.API, error) {
	if c.cfg.Client.Token == "" {
		return nil, fmt.Errorf("no token: set client.token or %s", config.EnvToken)
	}
	return client.NewAPI(c.cfg.Client.BaseURL, c.cfg.Client.Token, nil), nil
}

func (c *cli) status(ctx context.Context) error {
	pid, err := lock.Holder(instance.LockPath(c.instance))
	if err != nil {
		return err
	}
	if pid == 0 {
		fmt.Printf("Instance: %s\n", c.instance)
		fmt.Println("Status:   stopped")
		return nil
	}

	ctl, err := client.DialControl(instance.SocketPath(c.instance))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for instance %q: %w", c.instance, err)
	}
	defer func() { _ = ctl.Close() }()

	overall, err := ctl.Status(ctx, "")
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(map[string]any{"instance": c.instance, "pid": pid, "status": overall})
		return nil
	}
	fmt.Printf("Instance: %s\n", c.instance)
	fmt.Printf("PID:      %d\n", pid)
	fmt.Printf("Status:   %s\n", overall)
	return nil
}

func (c *cli) token(userID string, rest []string) error {
	if c.cfg.Server.JWTSecret == "" {
		return fmt.Errorf("no signing secret: set server.jwt_secret or %s", config.EnvJWTSecret)
	}
	ttl := 24 * time.Hour
	if len(rest) > 0 {
		d, err := time.ParseDuration(rest[0])
		if err != nil {
			return fmt.Errorf("parse ttl: %w", err)
		}
		ttl = d
	}
	tok, err := auth.Issue(c.cfg.Server.JWTSecret, userID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

// user edits accounts in the instance database directly; account
// management has no REST surface.
func (c *cli) user(op, userID, displayName string) error {
	db, err := store.Open(instance.DBPath(c.instance))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		return err
	}

	switch op {
	case "add":
		if displayName == "" {
			displayName = userID
		}
		if err := db.UpsertUser(&store.User{ID: userID, DisplayName: displayName}); err != nil {
			return err
		}
		fmt.Printf("user %s saved\n", userID)
	case "delete":
		if err := db.DeleteUser(userID); err != nil {
			return err
		}
		fmt.Printf("user %s deleted\n", userID)
	default:
		return fmt.Errorf("unknown user subcommand: %s", op)
	}
	return nil
}

func (c *cli) conversations(ctx context.Context) error {
	a, err := c.api()
	if err != nil {
		return err
	}
	convs, err := a.ListConversations(ctx)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(convs)
		return nil
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, cv := range convs {
		fmt.Println(describe(cv))
	}
	return nil
}

func (c *cli) dm(ctx context.Context, otherUserID string) error {
	a, err := c.api()
	if err != nil {
		return err
	}
	cv, err := a.StartDM(ctx, otherUserID)
	if err != nil {
		return err
	}
	c.printConversation(*cv)
	return nil
}

func (c *cli) group(ctx context.Context, name string, members []string) error {
	a, err := c.api()
	if err != nil {
		return err
	}
	cv, err := a.CreateGroup(ctx, name, members)
	if err != nil {
		return err
	}
	c.printConversation(*cv)
	return nil
}

func (c *cli) send(ctx context.Context, conversationID, text string) error {
	a, err := c.api()
	if err != nil {
		return err
	}
	m, err := a.SendMessage(ctx, conversationID, text)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(m)
		return nil
	}
	fmt.Printf("sent %s at %s\n", m.ID, formatTime(m.CreatedAt))
	return nil
}

func (c *cli) history(ctx context.Context, conversationID string, rest []string) error {
	a, err := c.api()
	if err != nil {
		return err
	}
	var cursor *int64
	if len(rest) > 0 {
		v, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return errs.ErrInvalidCursor
		}
		cursor = &v
	}
	page, err := a.ListMessages(ctx, conversationID, cursor, 0)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(page)
		return nil
	}
	for _, m := range page.Messages {
		fmt.Printf("%s  %-12s %s\n", formatTime(m.CreatedAt), m.SenderID, m.Content)
	}
	if page.NextCursor != nil {
		fmt.Printf("-- more: cnectctl history %s %d\n", conversationID, *page.NextCursor)
	}
	return nil
}

func (c *cli) printConversation(cv wire.Conversation) {
	if c.json {
		outputJSON(cv)
		return
	}
	fmt.Println(describe(cv))
}

func describe(cv wire.Conversation) string {
	kind := "dm"
	label := strings.Join(cv.Members, ", ")
	if cv.IsGroup {
		kind = "group"
		label = fmt.Sprintf("%s (%s)", cv.Name, label)
	}
	return fmt.Sprintf("%-38s %-6s %s", cv.ID, kind, label)
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
