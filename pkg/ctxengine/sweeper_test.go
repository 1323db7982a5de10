package ctxengine

import (
	"context"
	"testing"
	"time"

	"github.com/ctxforge/ctxforge/pkg/config"
)

func TestNewSweeper_ValidatesCron(t *testing.T) {
	engine, _ := newTestEngine(t)

	if _, err := NewSweeper(engine, config.SweepOptions{Cron: "0 3 * * *"}); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
	if _, err := NewSweeper(engine, config.SweepOptions{Cron: ""}); err != nil {
		t.Fatalf("empty cron should fall back to the default: %v", err)
	}
	if _, err := NewSweeper(engine, config.SweepOptions{Cron: "not a schedule"}); err == nil {
		t.Fatal("invalid cron accepted")
	}
}

func TestSweeperRun_StopsOnContextCancel(t *testing.T) {
	engine, _ := newTestEngine(t)
	sweeper, err := NewSweeper(engine, config.SweepOptions{Cron: "* * * * *"})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
