package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harrylevesque/fleetsync/internal/files"
	"github.com/harrylevesque/fleetsync/internal/models"
	"github.com/harrylevesque/fleetsync/internal/protocol"
	"github.com/harrylevesque/fleetsync/internal/utils"
	"github.com/rs/zerolog"
)

type fakeAPI struct {
	mu       sync.Mutex
	token    string
	devices  []models.Device
	history  map[string][]models.Message
	gates    map[string]chan struct{}
	err      error
	commands []string
}

func (f *fakeAPI) Login(ctx context.Context, password string) (string, error) {
	if password != "secret" {
		return "", utils.New(http.StatusUnauthorized, "invalid password")
	}
	f.SetToken("tok-1")
	return "tok-1", nil
}

func (f *fakeAPI) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeAPI) currentToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeAPI) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeAPI) Devices(ctx context.Context) ([]models.Device, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Device(nil), f.devices...), nil
}

func (f *fakeAPI) Messages(ctx context.Context, id string) ([]models.Message, error) {
	f.mu.Lock()
	gate := f.gates[id]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[id], nil
}

func (f *fakeAPI) command(name, id string) error {
	if err := f.failure(); err != nil {
		return err
	}
	f.mu.Lock()
	f.commands = append(f.commands, name+" "+id)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) RequestPermission(ctx context.Context, id string) error {
	return f.command("request-permission", id)
}

func (f *fakeAPI) PromptResubmit(ctx context.Context, id string) error {
	return f.command("prompt-resubmit", id)
}

func (f *fakeAPI) DeleteDevice(ctx context.Context, id string) error {
	if err := f.command("delete-device", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.devices[:0:0]
	for _, d := range f.devices {
		if d.DeviceID != id {
			out = append(out, d)
		}
	}
	f.devices = out
	return nil
}

type fakeChannel struct {
	mu  sync.Mutex
	ops []string
}

func (c *fakeChannel) Join(room string) {
	c.mu.Lock()
	c.ops = append(c.ops, "join "+room)
	c.mu.Unlock()
}

func (c *fakeChannel) Leave(room string) {
	c.mu.Lock()
	c.ops = append(c.ops, "leave "+room)
	c.mu.Unlock()
}

func (c *fakeChannel) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

type recorder struct {
	mu          sync.Mutex
	rosters     [][]string
	detail      *DeviceView
	messages    []string
	placeholder int
	notes       []string
}

func (r *recorder) RenderRoster(devices []models.Device, selected string) {
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	r.mu.Lock()
	r.rosters = append(r.rosters, ids)
	r.mu.Unlock()
}

func (r *recorder) ShowDevice(v DeviceView) {
	r.mu.Lock()
	r.detail = &v
	r.mu.Unlock()
}

func (r *recorder) ShowPlaceholder() {
	r.mu.Lock()
	r.detail = nil
	r.placeholder++
	r.mu.Unlock()
}

func (r *recorder) ClearMessages() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}

func (r *recorder) AppendMessage(v MessageView) {
	r.mu.Lock()
	r.messages = append(r.messages, v.Body)
	r.mu.Unlock()
}

func (r *recorder) Notify(text string) {
	r.mu.Lock()
	r.notes = append(r.notes, text)
	r.mu.Unlock()
}

func (r *recorder) shown() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

type answer bool

func (a answer) Confirm(string) bool { return bool(a) }

type fixture struct {
	api     *fakeAPI
	ch      *fakeChannel
	view    *recorder
	tokens  *files.TokenStore
	session *Session
}

func newFixture(t *testing.T, confirm Confirmer) *fixture {
	t.Helper()
	f := &fixture{
		api: &fakeAPI{
			devices: []models.Device{{DeviceID: "A"}, {DeviceID: "B"}, {DeviceID: "C"}},
			history: map[string][]models.Message{
				"A": {{DeviceID: "A", Body: "a1", Timestamp: "1"}},
				"B": {{DeviceID: "B", Body: "b1", Timestamp: "1"}, {DeviceID: "B", Body: "b2", Timestamp: "2"}},
			},
			gates: map[string]chan struct{}{},
		},
		ch:     &fakeChannel{},
		view:   &recorder{},
		tokens: files.NewTokenStore(filepath.Join(t.TempDir(), "admin", "token")),
	}
	f.session = NewSession(f.api, f.tokens, f.ch, f.view, confirm, zerolog.Nop())
	if err := f.session.Login(context.Background(), "secret"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if err := f.session.LoadRoster(context.Background()); err != nil {
		t.Fatalf("LoadRoster() failed: %v", err)
	}
	return f
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newMessageFrame(m models.Message) []byte {
	return protocol.MustEncode(protocol.TypeNewMessage, m.DeviceID, m)
}

func TestSelectDeviceLeavesBeforeJoining(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.session.SelectDevice(ctx, "A"); err != nil {
		t.Fatalf("SelectDevice(A) failed: %v", err)
	}
	if err := f.session.SelectDevice(ctx, "B"); err != nil {
		t.Fatalf("SelectDevice(B) failed: %v", err)
	}
	if err := f.session.SelectDevice(ctx, "B"); err != nil {
		t.Fatalf("reselect failed: %v", err)
	}

	want := []string{"join A", "leave A", "join B", "join B"}
	if got := f.ch.list(); !equal(got, want) {
		t.Fatalf("channel ops = %v, want %v", got, want)
	}
	if got := f.view.shown(); !equal(got, []string{"b1", "b2"}) {
		t.Fatalf("messages = %v, want B history in order", got)
	}
	if err := f.session.SelectDevice(ctx, "Z"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("SelectDevice(Z) = %v, want ErrUnknownDevice", err)
	}
}

func TestStaleHistoryIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	gate := make(chan struct{})
	f.api.gates["A"] = gate

	done := make(chan error, 1)
	go func() { done <- f.session.SelectDevice(ctx, "A") }()
	// wait until A's fetch is in flight
	for f.session.Selected() != "A" {
		time.Sleep(time.Millisecond)
	}
	if err := f.session.SelectDevice(ctx, "B"); err != nil {
		t.Fatalf("SelectDevice(B) failed: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("stale SelectDevice(A) = %v, want nil", err)
	}

	if got := f.view.shown(); !equal(got, []string{"b1", "b2"}) {
		t.Fatalf("messages = %v, A's history leaked into B's view", got)
	}
	if f.view.detail == nil || f.view.detail.DeviceID != "B" {
		t.Fatalf("detail shows %+v, want B", f.view.detail)
	}
}

func TestLiveMessagesFollowSelection(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.session.Run(ctx)

	if err := f.session.SelectDevice(ctx, "B"); err != nil {
		t.Fatalf("SelectDevice() failed: %v", err)
	}
	f.session.HandleFrame(newMessageFrame(models.Message{DeviceID: "A", Body: "late for A", Timestamp: "3"}))
	f.session.HandleFrame(newMessageFrame(models.Message{DeviceID: "B", Body: "b3", Timestamp: "3"}))

	deadline := time.Now().Add(2 * time.Second)
	for len(f.view.shown()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.view.shown(); !equal(got, []string{"b1", "b2", "b3"}) {
		t.Fatalf("messages = %v", got)
	}
}

func TestLiveMessageDuringHistoryFetch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	gate := make(chan struct{})
	f.api.gates["B"] = gate

	done := make(chan error, 1)
	go func() { done <- f.session.SelectDevice(ctx, "B") }()
	for f.session.Selected() != "B" {
		time.Sleep(time.Millisecond)
	}
	// b2 is both in the history and pushed live
	f.session.appendLive(models.Message{DeviceID: "B", Body: "b2", Timestamp: "2"})
	f.session.appendLive(models.Message{DeviceID: "B", Body: "b3", Timestamp: "3"})
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("SelectDevice() failed: %v", err)
	}
	if got := f.view.shown(); !equal(got, []string{"b1", "b2", "b3"}) {
		t.Fatalf("messages = %v, want history then new live messages", got)
	}
}

func TestRosterChangedReloads(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.session.Run(ctx)
	f.session.SelectDevice(ctx, "C")

	f.api.mu.Lock()
	f.api.devices = []models.Device{{DeviceID: "A"}, {DeviceID: "B"}, {DeviceID: "D"}}
	f.api.mu.Unlock()
	f.session.HandleFrame(protocol.MustEncode(protocol.TypeDevicesUpdated, "", nil))

	deadline := time.Now().Add(2 * time.Second)
	for len(f.session.Roster()) != 3 || f.session.Roster()[2].DeviceID != "D" {
		if time.Now().After(deadline) {
			t.Fatalf("roster not reloaded: %+v", f.session.Roster())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// C vanished server-side
	for f.session.Selected() != "" {
		if time.Now().After(deadline) {
			t.Fatal("vanished device still selected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.ch.list(); got[len(got)-1] != "leave C" {
		t.Fatalf("channel ops = %v, want leave C last", got)
	}
}

func TestDeleteSelectedDevice(t *testing.T) {
	f := newFixture(t, answer(true))
	ctx := context.Background()
	f.session.SelectDevice(ctx, "B")

	if err := f.session.IssueCommand(ctx, DeleteDevice, "B"); err != nil {
		t.Fatalf("IssueCommand(delete) failed: %v", err)
	}
	if f.session.Selected() != "" {
		t.Fatal("selection not cleared after delete")
	}
	for _, d := range f.session.Roster() {
		if d.DeviceID == "B" {
			t.Fatal("deleted device still in roster")
		}
	}
	if f.view.placeholder == 0 || f.view.detail != nil || len(f.view.shown()) != 0 {
		t.Fatal("view not returned to placeholder")
	}
	if got := f.ch.list(); got[len(got)-1] != "leave B" {
		t.Fatalf("channel ops = %v, want leave B last", got)
	}
}

func TestDeleteRequiresConfirmationAndSuccess(t *testing.T) {
	f := newFixture(t, answer(false))
	ctx := context.Background()
	f.session.SelectDevice(ctx, "A")

	if err := f.session.IssueCommand(ctx, DeleteDevice, "A"); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("unconfirmed delete = %v, want ErrNotConfirmed", err)
	}
	if len(f.api.commands) != 0 {
		t.Fatal("unconfirmed delete reached the server")
	}

	f.session.confirm = answer(true)
	f.api.err = utils.New(http.StatusInternalServerError, "boom")
	if err := f.session.IssueCommand(ctx, DeleteDevice, "A"); err == nil {
		t.Fatal("failed delete returned nil")
	}
	if f.session.Selected() != "A" || len(f.session.Roster()) != 3 {
		t.Fatal("failed delete changed local state")
	}
}

func TestCommandsAreSingleCalls(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.session.IssueCommand(ctx, RequestPermission, "A"); err != nil {
		t.Fatalf("request-permission failed: %v", err)
	}
	if err := f.session.IssueCommand(ctx, PromptResubmit, "A"); err != nil {
		t.Fatalf("prompt-resubmit failed: %v", err)
	}
	want := []string{"request-permission A", "prompt-resubmit A"}
	if !equal(f.api.commands, want) {
		t.Fatalf("commands = %v, want %v", f.api.commands, want)
	}
	if len(f.session.Roster()) != 3 {
		t.Fatal("non-delete command changed the roster")
	}
}

func TestUnauthorizedClearsCredential(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.session.SelectDevice(ctx, "A")
	if tok, _ := f.tokens.Load(); tok != "tok-1" {
		t.Fatalf("token file = %q, want tok-1", tok)
	}

	f.api.err = utils.New(http.StatusUnauthorized, "unauthorized")
	if err := f.session.LoadRoster(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("LoadRoster() = %v, want ErrNotAuthenticated", err)
	}
	if f.session.Authenticated() || f.api.currentToken() != "" {
		t.Fatal("credential kept in memory")
	}
	if tok, _ := f.tokens.Load(); tok != "" {
		t.Fatalf("credential kept on disk: %q", tok)
	}
	if f.session.Selected() != "" {
		t.Fatal("selection kept after logout")
	}

	f.api.err = nil
	if err := f.session.IssueCommand(ctx, PromptResubmit, "A"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("command while logged out = %v", err)
	}
	if err := f.session.Login(ctx, "wrong"); err == nil {
		t.Fatal("Login(wrong) succeeded")
	}
	if err := f.session.Login(ctx, "secret"); err != nil {
		t.Fatalf("re-login failed: %v", err)
	}
	if err := f.session.LoadRoster(ctx); err != nil {
		t.Fatalf("LoadRoster() after re-login failed: %v", err)
	}
}

func TestRestoreReusesStoredToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	tokens := files.NewTokenStore(path)
	api := &fakeAPI{}
	s := NewSession(api, tokens, &fakeChannel{}, &recorder{}, nil, zerolog.Nop())

	if ok, err := s.Restore(); ok || err != nil {
		t.Fatalf("Restore() on empty store = %v, %v", ok, err)
	}
	if err := tokens.Save("tok-9"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if ok, err := s.Restore(); !ok || err != nil {
		t.Fatalf("Restore() = %v, %v", ok, err)
	}
	if api.currentToken() != "tok-9" || !s.Authenticated() {
		t.Fatal("stored token not applied")
	}
}

func TestWriteRoster(t *testing.T) {
	f := newFixture(t, nil)
	var buf bytes.Buffer
	if err := f.session.WriteRoster(&buf); err != nil {
		t.Fatalf("WriteRoster() failed: %v", err)
	}
	var got []models.Device
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil || len(got) != 3 {
		t.Fatalf("WriteRoster() output %q: %v", buf.String(), err)
	}
}

func TestParseCommand(t *testing.T) {
	for _, k := range []CommandKind{RequestPermission, PromptResubmit, DeleteDevice} {
		got, err := ParseCommand(k.String())
		if err != nil || got != k {
			t.Errorf("ParseCommand(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseCommand("reboot"); err == nil {
		t.Error("ParseCommand(reboot) succeeded")
	}
}
