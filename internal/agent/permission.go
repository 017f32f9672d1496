package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harrylevesque/fleetsync/internal/files"
)

// runPermissionSync waits PermissionInitialDelay, sends the one-shot
// initial value, then ticks every PermissionPeriod. There is no backoff: a
// failed tick is simply followed by the next one.
func (a *Agent) runPermissionSync(ctx context.Context) {
	timer := time.NewTimer(a.timing.PermissionInitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if err := a.SendInitialPermission(ctx); err != nil {
		a.log.Warn().Err(err).Msg("initial permission report failed")
	}

	ticker := time.NewTicker(a.timing.PermissionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.PermissionTick(ctx); err != nil {
				a.log.Warn().Err(err).Msg("permission sync failed")
			}
		}
	}
}

// SendInitialPermission is the one-shot initial report, guarded so it runs once
// per installation.
func (a *Agent) SendInitialPermission(ctx context.Context) error {
	if !a.guard.ShouldRun(a.id, files.ActionPermissionSentInitial) {
		return nil
	}
	sent, err := a.PermissionTick(ctx)
	if err != nil || !sent {
		return err
	}
	return a.guard.MarkDone(a.id, files.ActionPermissionSentInitial)
}

// PermissionTick samples the host and reports the value. It returns
// sent=false without error when the host cannot report a value.
func (a *Agent) PermissionTick(ctx context.Context) (sent bool, err error) {
	granted, ok := a.host.Permission()
	if !ok {
		return false, nil
	}
	if err := a.api.UpdatePermission(ctx, a.id, granted); err != nil {
		return false, fmt.Errorf("update permission: %w", err)
	}
	return true, nil
}
