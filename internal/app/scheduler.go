package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/talkincode/toughqos/internal/qos"
)

// RunSlicingNow starts a polling cycle immediately, outside the schedule
func (a *Application) RunSlicingNow(ctx context.Context) error {
	if a.slicing == nil {
		return fmt.Errorf("slicing service not running")
	}
	c, err := a.slicing.RunCycle(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("slicing cycle triggered", zap.String("namespace", "qos"), zap.Uint32("seq", c.Seq()))
	return nil
}

// subscribeSlicingEvents logs every classified cycle
func (a *Application) subscribeSlicingEvents() {
	err := a.bus.SubscribeAsync(qos.TopicDecision, func(ev qos.DecisionEvent) {
		if ev.Err != nil {
			zap.L().Warn("slicing cycle failed",
				zap.String("namespace", "qos"),
				zap.Int64("cycle_id", ev.CycleID),
				zap.Error(ev.Err),
			)
			return
		}
		slices := make([]int, 0, len(ev.Decision.Slices))
		for _, s := range ev.Decision.Slices {
			slices = append(slices, int(s))
		}
		zap.L().Info("slicing cycle classified",
			zap.String("namespace", "qos"),
			zap.Int64("cycle_id", ev.CycleID),
			zap.Uint32("seq", ev.Seq),
			zap.Bool("partial", ev.Partial),
			zap.Ints("slices", slices),
			zap.Int("upserts", len(ev.Upserts)),
			zap.Int("rules_pushed", len(ev.Pushed)),
		)
	}, false)
	if err != nil {
		zap.L().Error("subscribe slicing events failed", zap.Error(err))
	}
}
