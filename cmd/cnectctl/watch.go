package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/cnectd/internal/auth"
	"github.com/matheus3301/cnectd/internal/client"
	"github.com/matheus3301/cnectd/internal/reconcile"
	"github.com/matheus3301/cnectd/internal/status"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// watch follows one conversation over the persistent connection and sends
// every line read from stdin.
func (c *cli) watch(conversationID string) error {
	a, err := c.api()
	if err != nil {
		return err
	}
	self, err := auth.UserIDOf(c.cfg.Client.Token)
	if err != nil {
		return err
	}
	log, err := zap.NewDevelopment(zap.IncreaseLevel(zapcore.WarnLevel))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conv, err := findConversation(ctx, a, conversationID)
	if err != nil {
		return err
	}

	state := status.NewMachine(nil)
	link := client.NewLink(client.WSURL(c.cfg.Client.BaseURL), c.cfg.Client.Token, state, client.LinkOptions{
		MaxBackoff: time.Duration(c.cfg.Client.ReconnectMaxMS) * time.Millisecond,
	}, log)
	quiet := time.Duration(c.cfg.Client.TypingQuietMS) * time.Millisecond
	sess := client.NewSession(a, link, self, quiet, log)

	th, err := sess.Open(ctx, conv)
	if err != nil {
		return err
	}
	fmt.Printf("-- %s\n", describe(conv))
	out := &printer{self: self, seen: make(map[string]reconcile.LocalStatus)}
	out.render(th, "")

	linkErr := make(chan error, 1)
	go func() { linkErr <- link.Run(ctx, sess) }()

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			sess.Keystroke(ctx, conv.ID)
			if err := sess.Send(ctx, conv.ID, line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}()

	lastState := state.Current()
	for {
		select {
		case err := <-linkErr:
			shutdown(sess)
			return err
		case <-ctx.Done():
			shutdown(sess)
			return <-linkErr
		case u := <-sess.Updates():
			if cur := state.Current(); cur != lastState {
				fmt.Printf("-- %s\n", cur)
				lastState = cur
			}
			if u.ConversationID == conv.ID {
				out.render(th, sess.Typing().Label(conv.ID))
			}
		}
	}
}

func shutdown(sess *client.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess.Shutdown(ctx)
}

func findConversation(ctx context.Context, a *client.API, id string) (wire.Conversation, error) {
	convs, err := a.ListConversations(ctx)
	if err != nil {
		return wire.Conversation{}, err
	}
	for _, cv := range convs {
		if cv.ID == id {
			return cv, nil
		}
	}
	return wire.Conversation{}, fmt.Errorf("conversation %s not found among yours", id)
}

// printer writes each entry once and a line whenever one of your own
// messages moves forward.
type printer struct {
	self   string
	seen   map[string]reconcile.LocalStatus
	typing string
}

func (p *printer) render(th *reconcile.Thread, typing string) {
	for _, e := range th.Messages() {
		switch e := e.(type) {
		case reconcile.Confirmed:
			st, _ := th.Status(e.Key())
			prev, printed := p.seen[e.Key()]
			switch {
			case !printed:
				fmt.Printf("%s  %-12s %s\n", formatTime(e.Message.CreatedAt), e.Message.SenderID, e.Text())
			case st != prev && e.Message.SenderID == p.self:
				fmt.Printf("   %s\n", st)
			}
			p.seen[e.Key()] = st
		case reconcile.Pending:
			if e.Failed {
				if _, printed := p.seen[e.Key()]; !printed {
					fmt.Printf("!! %s\n", e.Text())
					p.seen[e.Key()] = reconcile.StatusUnknown
				}
			}
		}
	}
	if typing != p.typing {
		if typing != "" {
			fmt.Printf("   %s\n", typing)
		}
		p.typing = typing
	}
}
