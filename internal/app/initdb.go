package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/talkincode/toughqos/internal/qos/clients"
)

// checkDefaultSlice makes sure the best effort slice exists, owning the whole
// quantum until another slice is created.
func (a *Application) checkDefaultSlice(ctx context.Context) error {
	slices, err := a.sliceMgr.Slices(ctx)
	if err != nil {
		return err
	}
	if _, ok := slices[0]; ok {
		return nil
	}
	total := a.appConfig.Slicing.TotalQuantum
	if err := a.sliceMgr.UpsertSlice(ctx, 0, clients.SliceProperties{Quantum: total}); err != nil {
		return err
	}
	zap.L().Info("default slice created", zap.String("namespace", "qos"), zap.Float64("quantum", total))
	return nil
}
