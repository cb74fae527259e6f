package orchestrate

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type scriptedResponder struct {
	name  string
	text  string
	err   error
	calls int
}

func (s *scriptedResponder) Name() string { return s.name }

func (s *scriptedResponder) Respond(context.Context, string, string) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestChainFirstSuccessWins(t *testing.T) {
	t.Parallel()

	primary := &scriptedResponder{name: "primary", text: "from primary"}
	backup := &scriptedResponder{name: "backup", text: "from backup"}
	c := NewChain(slog.New(slog.DiscardHandler), primary, backup)

	got, err := c.Respond(context.Background(), "hi", "k")
	if err != nil || got != "from primary" {
		t.Fatalf("Respond = (%q, %v)", got, err)
	}
	if backup.calls != 0 {
		t.Error("backup called despite primary success")
	}
}

func TestChainFallsThrough(t *testing.T) {
	t.Parallel()

	primary := &scriptedResponder{name: "primary", err: errors.New("down")}
	backup := &scriptedResponder{name: "backup", text: "rescued"}
	c := NewChain(slog.New(slog.DiscardHandler), primary, backup)

	got, err := c.Respond(context.Background(), "hi", "k")
	if err != nil || got != "rescued" {
		t.Fatalf("Respond = (%q, %v)", got, err)
	}
}

func TestChainAllFailed(t *testing.T) {
	t.Parallel()

	c := NewChain(slog.New(slog.DiscardHandler),
		&scriptedResponder{name: "a", err: errors.New("x")},
		&scriptedResponder{name: "b", err: errors.New("y")},
	)
	if _, err := c.Respond(context.Background(), "hi", "k"); !errors.Is(err, ErrAllRespondersFailed) {
		t.Errorf("err = %v, want ErrAllRespondersFailed", err)
	}
}

func TestChainCooldownSkipsRepeatOffender(t *testing.T) {
	t.Parallel()

	flaky := &scriptedResponder{name: "flaky", err: errors.New("down")}
	backup := &scriptedResponder{name: "backup", text: "ok"}
	c := NewChain(slog.New(slog.DiscardHandler), flaky, backup)

	for range cooldownAfter {
		c.Respond(context.Background(), "hi", "k")
	}
	callsAtThreshold := flaky.calls

	// Inside the cooldown window the flaky entry is skipped entirely.
	c.Respond(context.Background(), "hi", "k")
	if flaky.calls != callsAtThreshold {
		t.Errorf("flaky called %d times, want %d (cooldown skip)", flaky.calls, callsAtThreshold)
	}
}

func TestCannedResponderDefaults(t *testing.T) {
	t.Parallel()

	got, err := CannedResponder{}.Respond(context.Background(), "anything", "k")
	if err != nil || got != Apology {
		t.Errorf("Respond = (%q, %v), want the apology", got, err)
	}

	got, _ = CannedResponder{Text: "custom"}.Respond(context.Background(), "x", "k")
	if got != "custom" {
		t.Errorf("Respond = %q", got)
	}
}
