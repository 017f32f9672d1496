package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harrylevesque/fleetsync/internal/files"
	"github.com/harrylevesque/fleetsync/internal/models"
	"github.com/harrylevesque/fleetsync/internal/protocol"
	"github.com/rs/zerolog"
)

type fakeAPI struct {
	mu          sync.Mutex
	registerErr error
	registers   int
	permErr     error
	permissions []bool
	submitErr   error
	submits     []models.Record
	pending     bool
	checks      int
}

func (f *fakeAPI) RegisterDevice(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	return f.registerErr
}

func (f *fakeAPI) UpdatePermission(ctx context.Context, id string, p bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, p)
	return f.permErr
}

func (f *fakeAPI) SubmitRecord(ctx context.Context, id string, rec models.Record, p bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submits = append(f.submits, rec)
	return nil
}

// CheckResubmit hands out the pending flag once, like the server.
func (f *fakeAPI) CheckResubmit(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	p := f.pending
	f.pending = false
	return p, nil
}

func (f *fakeAPI) setPending() {
	f.mu.Lock()
	f.pending = true
	f.mu.Unlock()
}

func (f *fakeAPI) permissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.permissions)
}

type fakeHost struct {
	mu       sync.Mutex
	granted  bool
	known    bool
	notes    []string
	enabled  []bool
	requests int
}

func (h *fakeHost) Permission() (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.granted, h.known
}

func (h *fakeHost) RequestPermission() {
	h.mu.Lock()
	h.requests++
	h.mu.Unlock()
}

func (h *fakeHost) Notify(title, text string) {
	h.mu.Lock()
	h.notes = append(h.notes, title)
	h.mu.Unlock()
}

func (h *fakeHost) SetSubmissionEnabled(enabled bool, label string) {
	h.mu.Lock()
	h.enabled = append(h.enabled, enabled)
	h.mu.Unlock()
}

func (h *fakeHost) count(title string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.notes {
		if t == title {
			n++
		}
	}
	return n
}

// silentChannel never connects.
type silentChannel struct {
	mu    sync.Mutex
	joins []string
}

func (c *silentChannel) Join(room string) {
	c.mu.Lock()
	c.joins = append(c.joins, room)
	c.mu.Unlock()
}

func (c *silentChannel) Run(ctx context.Context) { <-ctx.Done() }

const reviewTitle = "Enrollment needs review"

var goodRecord = models.Record{OwnerName: "Ann Lee", Address: "Elm St 4", PhoneNumber: "+49 30 123456"}

var slow = Timing{
	PermissionInitialDelay: time.Hour,
	PermissionPeriod:       time.Hour,
	PollPeriod:             time.Hour,
}

func openStore(t *testing.T, path string) *files.LocalStore {
	t.Helper()
	s, err := files.OpenLocalStore(path)
	if err != nil {
		t.Fatalf("OpenLocalStore() failed: %v", err)
	}
	return s
}

func newTestAgent(t *testing.T, path string, api *fakeAPI, host *fakeHost, timing Timing) *Agent {
	t.Helper()
	return New("d1", api, host, &silentChannel{}, openStore(t, path), timing, zerolog.Nop())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func frame(typ, id string) []byte { return protocol.MustEncode(typ, id, nil) }

// drain runs every queued event through the dispatch path.
func drain(ctx context.Context, a *Agent) {
	for {
		select {
		case ev := <-a.events:
			a.handle(ctx, ev)
		default:
			return
		}
	}
}

func TestRegisterOnceAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	api := &fakeAPI{}
	ctx := context.Background()

	a := newTestAgent(t, path, api, &fakeHost{}, slow)
	for i := 0; i < 3; i++ {
		if err := a.RegisterOnce(ctx); err != nil {
			t.Fatalf("RegisterOnce() failed: %v", err)
		}
	}
	restarted := newTestAgent(t, path, api, &fakeHost{}, slow)
	if err := restarted.RegisterOnce(ctx); err != nil {
		t.Fatalf("RegisterOnce() after restart failed: %v", err)
	}
	if api.registers != 1 {
		t.Fatalf("register-device sent %d times, want 1", api.registers)
	}
}

func TestRegisterFailureRetriesOnNextStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	api := &fakeAPI{registerErr: errors.New("network down")}
	ctx := context.Background()

	a := newTestAgent(t, path, api, &fakeHost{}, slow)
	if err := a.RegisterOnce(ctx); err == nil {
		t.Fatal("RegisterOnce() succeeded with failing API")
	}

	api.registerErr = nil
	restarted := newTestAgent(t, path, api, &fakeHost{}, slow)
	if err := restarted.RegisterOnce(ctx); err != nil {
		t.Fatalf("RegisterOnce() retry failed: %v", err)
	}
	if err := restarted.RegisterOnce(ctx); err != nil {
		t.Fatalf("RegisterOnce() failed: %v", err)
	}
	if api.registers != 2 {
		t.Fatalf("register-device attempts = %d, want 2 (failed + retried)", api.registers)
	}
}

func TestSubmitRules(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	host := &fakeHost{granted: true, known: true}
	a := newTestAgent(t, filepath.Join(t.TempDir(), "state.json"), api, host, slow)

	var verr *models.ValidationError
	if err := a.Submit(ctx, models.Record{OwnerName: "A"}); !errors.As(err, &verr) {
		t.Fatalf("Submit(invalid) = %v, want validation error", err)
	}
	if len(api.submits) != 0 {
		t.Fatal("invalid record reached the server")
	}

	if err := a.Submit(ctx, goodRecord); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if a.State() != Accepted {
		t.Fatalf("state = %v, want accepted", a.State())
	}
	if got := host.enabled; len(got) != 1 || got[0] {
		t.Fatalf("submission toggles = %v, want [false]", got)
	}
	if err := a.Submit(ctx, goodRecord); !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("Submit() while accepted = %v, want ErrAlreadyAccepted", err)
	}
	if len(api.submits) != 1 {
		t.Fatalf("server saw %d submissions, want 1", len(api.submits))
	}
	if api.submits[0].PhoneNumber != "+4930123456" {
		t.Fatalf("phone not normalized: %q", api.submits[0].PhoneNumber)
	}
}

func TestSubmitFailureKeepsState(t *testing.T) {
	api := &fakeAPI{submitErr: errors.New("timeout")}
	a := newTestAgent(t, filepath.Join(t.TempDir(), "state.json"), api, &fakeHost{}, slow)
	if err := a.Submit(context.Background(), goodRecord); err == nil {
		t.Fatal("Submit() succeeded with failing API")
	}
	if a.State() != NotSubmitted {
		t.Fatalf("state = %v after failed submit", a.State())
	}
	api.submitErr = nil
	if err := a.Submit(context.Background(), goodRecord); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestNotSubmittedIgnoresResubmit(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	host := &fakeHost{}
	a := newTestAgent(t, filepath.Join(t.TempDir(), "state.json"), api, host, slow)

	a.HandleFrame(frame(protocol.TypePromptResubmit, "d1"))
	drain(ctx, a)

	if a.State() != NotSubmitted {
		t.Fatalf("state = %v, want not_submitted", a.State())
	}
	if host.count(reviewTitle) != 0 || api.checks != 0 {
		t.Fatal("ignored command must have no side effects")
	}
}

func TestResubmitIdempotentAcrossPushAndPoll(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	host := &fakeHost{}
	a := newTestAgent(t, filepath.Join(t.TempDir(), "state.json"), api, host, slow)
	if err := a.Submit(ctx, goodRecord); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	a.HandleFrame(frame(protocol.TypePromptResubmit, "d1"))
	drain(ctx, a)
	api.setPending()
	if err := a.Poll(ctx); err != nil {
		t.Fatalf("Poll() failed: %v", err)
	}
	a.HandleFrame(frame(protocol.TypePromptResubmit, "d1"))
	drain(ctx, a)

	if a.State() != ResubmitRequested {
		t.Fatalf("state = %v, want resubmit_requested", a.State())
	}
	if n := host.count(reviewTitle); n != 1 {
		t.Fatalf("user notified %d times, want 1", n)
	}

	if err := a.Submit(ctx, goodRecord); err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}
	if a.State() != Accepted {
		t.Fatalf("state = %v after resubmission", a.State())
	}
}

func TestCommandsForOtherDevicesIgnored(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{}
	a := newTestAgent(t, filepath.Join(t.TempDir(), "state.json"), &fakeAPI{}, host, slow)
	a.Submit(ctx, goodRecord)

	a.HandleFrame(frame(protocol.TypePromptResubmit, "d2"))
	a.HandleFrame(frame(protocol.TypeRequestPermission, "d2"))
	a.HandleFrame([]byte(`{"type":`))
	drain(ctx, a)
	if a.State() != Accepted || host.requests != 0 {
		t.Fatal("commands for another device must be ignored")
	}
}

func TestRequestPermissionForwardsToHost(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	host := &fakeHost{}
	a := newTestAgent(t, filepath.Join(t.TempDir(), "state.json"), api, host, slow)

	a.HandleFrame(frame(protocol.TypeRequestPermission, "d1"))
	drain(ctx, a)
	if host.requests != 1 {
		t.Fatalf("host requests = %d, want 1", host.requests)
	}
	if api.permissionCount() != 0 {
		t.Fatal("request_permission must not be acknowledged directly")
	}
}

func TestOrderStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	a := newTestAgent(t, path, &fakeAPI{}, &fakeHost{}, slow)
	a.Submit(ctx, goodRecord)
	a.ApplyResubmit(ctx)

	restarted := newTestAgent(t, path, &fakeAPI{}, &fakeHost{}, slow)
	if restarted.State() != ResubmitRequested {
		t.Fatalf("restored state = %v, want resubmit_requested", restarted.State())
	}
}

func TestPermissionTick(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	host := &fakeHost{}
	a := newTestAgent(t, filepath.Join(t.TempDir(), "state.json"), api, host, slow)

	sent, err := a.PermissionTick(ctx)
	if sent || err != nil {
		t.Fatalf("tick without host value = %v, %v; want skipped", sent, err)
	}

	host.known, host.granted = true, true
	api.permErr = errors.New("offline")
	if _, err := a.PermissionTick(ctx); err == nil {
		t.Fatal("tick with failing API returned nil")
	}
	api.permErr = nil
	// unchanged value is sent again: the server de-duplicates
	for i := 0; i < 2; i++ {
		if sent, err := a.PermissionTick(ctx); !sent || err != nil {
			t.Fatalf("tick = %v, %v", sent, err)
		}
	}
	if got := api.permissions; len(got) != 3 || !got[2] {
		t.Fatalf("permissions sent = %v", got)
	}
}

func TestPermissionSyncWaitsForInitialDelay(t *testing.T) {
	api := &fakeAPI{}
	host := &fakeHost{granted: true, known: true}
	timing := Timing{
		PermissionInitialDelay: 150 * time.Millisecond,
		PermissionPeriod:       10 * time.Millisecond,
		PollPeriod:             time.Hour,
	}
	path := filepath.Join(t.TempDir(), "state.json")
	a := newTestAgent(t, path, api, host, timing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if n := api.permissionCount(); n != 0 {
		t.Fatalf("%d permission sends before the initial delay", n)
	}
	waitFor(t, "recurring ticks", func() bool { return api.permissionCount() >= 3 })
	cancel()
	<-done

	if files.NewGuard(openStore(t, path)).ShouldRun("d1", files.ActionPermissionSentInitial) {
		t.Fatal("initial permission report was not recorded")
	}
}

func TestPollOnlyConvergence(t *testing.T) {
	api := &fakeAPI{}
	host := &fakeHost{}
	ch := &silentChannel{}
	timing := Timing{
		PermissionInitialDelay: time.Hour,
		PermissionPeriod:       time.Hour,
		PollPeriod:             10 * time.Millisecond,
		PollJitter:             5 * time.Millisecond,
	}
	a := New("d1", api, host, ch, openStore(t, filepath.Join(t.TempDir(), "state.json")), timing, zerolog.Nop())
	if err := a.Submit(context.Background(), goodRecord); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	api.setPending()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	waitFor(t, "poll-driven resubmit", func() bool { return a.State() == ResubmitRequested })
	// several more polls find nothing new
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if n := host.count(reviewTitle); n != 1 {
		t.Fatalf("user notified %d times, want 1", n)
	}
	if len(ch.joins) != 1 || ch.joins[0] != "d1" {
		t.Fatalf("channel joins = %v, want [d1]", ch.joins)
	}
}
