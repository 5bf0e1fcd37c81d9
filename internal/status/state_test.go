package status

import (
	"testing"

	"github.com/matheus3301/cnectd/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Idle, Closed},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connecting, AuthFailed},
		{Connected, Reconnecting},
		{Connected, Closed},
		{Reconnecting, Connecting},
		{AuthFailed, Closed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connected},
		{Connected, Connecting},
		{AuthFailed, Connecting},
		{Closed, Connecting},
		{Reconnecting, Connected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (unchanged)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.NamespaceLink, 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindLinkStatus {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindLinkStatus)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Idle || change.To != Connecting {
		t.Errorf("change = %v -> %v, want IDLE -> CONNECTING", change.From, change.To)
	}
}

// TestReconnectCycle verifies the reconnect loop:
// CONNECTED → RECONNECTING → CONNECTING → CONNECTED
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	for _, s := range []State{Reconnecting, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Terminal() {
		t.Error("CONNECTED is not terminal")
	}
}

func TestTerminal(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, AuthFailed)
	if !m.Terminal() {
		t.Error("AUTH_FAILED should be terminal")
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:         {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Reconnecting: {Connecting, Reconnecting},
		AuthFailed:   {Connecting, AuthFailed},
		Closed:       {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
