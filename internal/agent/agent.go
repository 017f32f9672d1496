// Package agent is the device side of the protocol: one-shot
// registration, permission sync, command delivery over push and poll,
// and the enrollment state machine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harrylevesque/fleetsync/internal/files"
	"github.com/harrylevesque/fleetsync/internal/models"
	"github.com/harrylevesque/fleetsync/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyAccepted rejects a submission while a record is accepted
	// and no resubmission was requested.
	ErrAlreadyAccepted = errors.New("enrollment already accepted")
	// ErrSubmitInProgress rejects a second concurrent submission.
	ErrSubmitInProgress = errors.New("submission already in progress")
)

// Host is the capability layer the agent runs inside.
type Host interface {
	// Permission reports the capability value; ok is false when the
	// host cannot tell.
	Permission() (granted, ok bool)
	RequestPermission()
	Notify(title, text string)
	SetSubmissionEnabled(enabled bool, label string)
}

// API is the subset of the server used by a device.
type API interface {
	RegisterDevice(ctx context.Context, deviceID string, at time.Time) error
	UpdatePermission(ctx context.Context, deviceID string, permission bool) error
	SubmitRecord(ctx context.Context, deviceID string, rec models.Record, permission bool) error
	CheckResubmit(ctx context.Context, deviceID string) (bool, error)
}

// Channel is the push connection. Run blocks until ctx is done.
type Channel interface {
	Join(room string)
	Run(ctx context.Context)
}

// Timing holds the periods of the agent's timers.
type Timing struct {
	PermissionInitialDelay time.Duration
	PermissionPeriod       time.Duration
	PollPeriod             time.Duration
	PollJitter             time.Duration
}

// Agent is one device installation. It owns the identifier, the guard
// flags and the order state.
type Agent struct {
	id      string
	api     API
	host    Host
	channel Channel
	store   *files.LocalStore
	guard   *files.Guard
	timing  Timing
	log     zerolog.Logger
	now     func() time.Time

	events chan protocol.Event
	done   chan struct{}

	mu         sync.Mutex
	state      OrderState
	submitting bool
}

// New creates an agent. The order state is restored from store.
func New(deviceID string, api API, host Host, ch Channel, store *files.LocalStore, timing Timing, log zerolog.Logger) *Agent {
	a := &Agent{
		id:      deviceID,
		api:     api,
		host:    host,
		channel: ch,
		store:   store,
		guard:   files.NewGuard(store),
		timing:  timing,
		log:     log.With().Str("component", "agent").Str("device", deviceID).Logger(),
		now:     time.Now,
		events:  make(chan protocol.Event, 16),
		done:    make(chan struct{}),
	}
	if v, ok := store.Get(a.stateKey()); ok {
		a.state = parseOrderState(v)
	}
	return a
}

func (a *Agent) ID() string { return a.id }

// State returns the current order state.
func (a *Agent) State() OrderState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) stateKey() string { return "order/" + a.id }

// Run starts registration, the channel, the permission synchronizer and
// the poller, and dispatches events until ctx is done. Run must be
// called at most once.
func (a *Agent) Run(ctx context.Context) {
	if a.State() == Accepted {
		a.host.SetSubmissionEnabled(false, labelAccepted)
	}

	var wg sync.WaitGroup
	spawn := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	if a.channel != nil {
		a.channel.Join(a.id)
		spawn(a.channel.Run)
	}
	spawn(func(ctx context.Context) {
		if err := a.RegisterOnce(ctx); err != nil {
			a.log.Error().Err(err).Msg("device registration failed; retrying on next start")
		}
	})
	spawn(a.runPermissionSync)
	spawn(a.runPoller)

	for {
		select {
		case <-ctx.Done():
			close(a.done)
			wg.Wait()
			return
		case ev := <-a.events:
			a.handle(ctx, ev)
		}
	}
}

// RegisterOnce sends register-device unless a previous run already did.
// The guard flag is set only after the call succeeded.
func (a *Agent) RegisterOnce(ctx context.Context) error {
	if !a.guard.ShouldRun(a.id, files.ActionRegistered) {
		return nil
	}
	if err := a.api.RegisterDevice(ctx, a.id, a.now()); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if err := a.guard.MarkDone(a.id, files.ActionRegistered); err != nil {
		return fmt.Errorf("persist registration flag: %w", err)
	}
	a.log.Info().Msg("device registered")
	return nil
}

// HandleFrame decodes a channel frame and queues it. Malformed frames
// are dropped.
func (a *Agent) HandleFrame(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		a.log.Warn().Err(err).Msg("dropping channel frame")
		return
	}
	a.Dispatch(ev)
}

// Dispatch queues an event for the Run loop, blocking while the queue
// is full. Events dispatched after Run returned are dropped.
func (a *Agent) Dispatch(ev protocol.Event) {
	select {
	case a.events <- ev:
	case <-a.done:
		a.log.Debug().Stringer("event", ev.Kind).Msg("agent stopped, dropping event")
	}
}

func (a *Agent) handle(ctx context.Context, ev protocol.Event) {
	if ev.DeviceID != "" && ev.DeviceID != a.id {
		a.log.Warn().Str("target", ev.DeviceID).Msg("ignoring event for another device")
		return
	}
	switch ev.Kind {
	case protocol.EventPromptResubmit:
		a.ApplyResubmit(ctx)
	case protocol.EventRequestPermission:
		// the next permission tick reports the outcome
		a.host.RequestPermission()
	default:
		a.log.Debug().Stringer("event", ev.Kind).Msg("ignoring event")
	}
}

const (
	labelAccepted = "Enrollment accepted"
	labelResubmit = "Resubmit enrollment"
)

// ApplyResubmit runs the resubmit transition. It reports whether the
// state changed.
func (a *Agent) ApplyResubmit(ctx context.Context) bool {
	a.mu.Lock()
	cur := a.state
	next, effect := Transition(cur, ResubmitCommanded)
	if effect == EffectNone {
		a.mu.Unlock()
		a.log.Debug().Stringer("state", cur).Msg("resubmit command ignored")
		return false
	}
	a.state = next
	if err := a.store.Set(a.stateKey(), next.String()); err != nil {
		a.log.Error().Err(err).Msg("persist order state")
	}
	a.mu.Unlock()

	a.host.Notify("Enrollment needs review", "The operator asked you to check and resubmit your enrollment details.")
	a.host.SetSubmissionEnabled(true, labelResubmit)
	a.log.Info().Msg("resubmission requested")

	// drain the server's pending flag so the poll path does not repeat it
	if _, err := a.api.CheckResubmit(ctx, a.id); err != nil {
		a.log.Debug().Err(err).Msg("drain resubmit flag")
	}
	return true
}

// Submit validates and sends the enrollment record. It is refused while
// a record is accepted or another submission is in flight.
func (a *Agent) Submit(ctx context.Context, rec models.Record) error {
	rec = rec.Normalize()
	if err := rec.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.state == Accepted {
		a.mu.Unlock()
		return ErrAlreadyAccepted
	}
	if a.submitting {
		a.mu.Unlock()
		return ErrSubmitInProgress
	}
	a.submitting = true
	a.mu.Unlock()

	granted, ok := a.host.Permission()
	err := a.api.SubmitRecord(ctx, a.id, rec, ok && granted)

	a.mu.Lock()
	a.submitting = false
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("submit record: %w", err)
	}
	next, effect := Transition(a.state, SubmitSucceeded)
	a.state = next
	if perr := a.store.Set(a.stateKey(), next.String()); perr != nil {
		a.log.Error().Err(perr).Msg("persist order state")
	}
	a.mu.Unlock()

	if effect == EffectAccept {
		a.host.SetSubmissionEnabled(false, labelAccepted)
		a.host.Notify(labelAccepted, "Your enrollment has been accepted.")
	}
	a.log.Info().Msg("enrollment accepted")
	return nil
}
