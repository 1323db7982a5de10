package ctxengine

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/ctxforge/ctxforge/pkg/config"
	"github.com/ctxforge/ctxforge/pkg/logger"
)

// Sweeper runs the periodic TTL cleanup of expired error patterns on a cron
// schedule.
type Sweeper struct {
	engine *PatternEngine
	expr   string
	gron   *gronx.Gronx
}

func NewSweeper(engine *PatternEngine, opts config.SweepOptions) (*Sweeper, error) {
	expr := opts.Cron
	if expr == "" {
		expr = "0 3 * * *"
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("sweeper: invalid cron expression %q", expr)
	}
	return &Sweeper{engine: engine, expr: expr, gron: g}, nil
}

// Run blocks until ctx is done, sweeping whenever the schedule is due.
// Sweep failures are logged and the loop continues; a missed sweep only
// delays deletion.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logger.InfoCF("sweeper", "Pattern TTL sweeper started", map[string]interface{}{"cron": s.expr})
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.expr, now)
			if err != nil || !due {
				continue
			}
			if _, err := s.engine.Sweep(ctx); err != nil {
				logger.WarnCF("sweeper", "Sweep failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
