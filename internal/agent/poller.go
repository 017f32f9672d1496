package agent

import (
	"context"
	"math/rand"
	"time"

	"github.com/harrylevesque/fleetsync/internal/protocol"
)

// runPoller asks check-resubmit every PollPeriod (plus jitter) and feeds
// a positive answer into the same dispatch path as the push channel.
func (a *Agent) runPoller(ctx context.Context) {
	timer := time.NewTimer(a.pollDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := a.Poll(ctx); err != nil {
			a.log.Debug().Err(err).Msg("resubmit poll failed")
		}
		timer.Reset(a.pollDelay())
	}
}

// Poll runs one check-resubmit round.
func (a *Agent) Poll(ctx context.Context) error {
	pending, err := a.api.CheckResubmit(ctx, a.id)
	if err != nil {
		return err
	}
	if pending {
		a.Dispatch(protocol.Event{Kind: protocol.EventPromptResubmit, DeviceID: a.id})
	}
	return nil
}

func (a *Agent) pollDelay() time.Duration {
	d := a.timing.PollPeriod
	if j := a.timing.PollJitter; j > 0 {
		d += time.Duration(rand.Int63n(int64(j)))
	}
	return d
}
