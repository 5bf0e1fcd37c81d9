package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/matheus3301/cnectd/internal/client"
	"github.com/matheus3301/cnectd/internal/config"
	"github.com/matheus3301/cnectd/internal/instance"
	"github.com/matheus3301/cnectd/internal/lock"
	"go.uber.org/fx"
)

// shortHome keeps socket paths under the 104-char Unix socket limit on macOS.
func shortHome(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cnectd-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(instance.EnvHome, dir)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestDaemonLifecycle(t *testing.T) {
	shortHome(t)
	t.Setenv(config.EnvJWTSecret, "test-secret")
	addr := freeAddr(t)

	app := fx.New(Module(Params{Instance: "test", Listen: addr}))
	if err := app.Err(); err != nil {
		t.Fatalf("build app: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctl, err := client.DialControl(instance.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ctl.Close() }()

	for _, svc := range []string{"", ServiceRealtime} {
		st, err := ctl.Status(ctx, svc)
		if err != nil {
			t.Fatalf("Status(%q) error = %v", svc, err)
		}
		if st != "SERVING" {
			t.Errorf("Status(%q) = %s, want SERVING", svc, st)
		}
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	if pid, _ := lock.Holder(instance.LockPath("test")); pid != os.Getpid() {
		t.Errorf("lock holder = %d", pid)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(instance.SocketPath("test")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after stop: %v", err)
	}
	if pid, _ := lock.Holder(instance.LockPath("test")); pid != 0 {
		t.Errorf("lock still held by %d after stop", pid)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	shortHome(t)
	t.Setenv(config.EnvJWTSecret, "test-secret")

	lk, err := lock.Acquire(instance.LockPath("busy"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(Module(Params{Instance: "busy", Listen: freeAddr(t)}))
	var held *lock.LockHeldError
	if !errors.As(app.Err(), &held) {
		t.Fatalf("app.Err() = %v, want LockHeldError", app.Err())
	}
}

func TestMissingSecretRefused(t *testing.T) {
	shortHome(t)
	t.Setenv(config.EnvJWTSecret, "")

	app := fx.New(Module(Params{Instance: "nosecret", Listen: freeAddr(t)}))
	if app.Err() == nil {
		t.Fatal("daemon built without a signing secret")
	}
}
