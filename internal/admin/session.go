// Package admin is one administrator's live view of the fleet: the
// roster snapshot, the selected device and its event stream, and the
// commands issued against it.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/harrylevesque/fleetsync/internal/files"
	"github.com/harrylevesque/fleetsync/internal/models"
	"github.com/harrylevesque/fleetsync/internal/protocol"
	"github.com/harrylevesque/fleetsync/internal/utils"
	"github.com/rs/zerolog"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnknownDevice    = errors.New("device not in roster")
	ErrNotConfirmed     = errors.New("command not confirmed")
)

// CommandKind is a privileged action against one device.
type CommandKind int

const (
	RequestPermission CommandKind = iota
	PromptResubmit
	DeleteDevice
)

func (k CommandKind) String() string {
	switch k {
	case RequestPermission:
		return "request-permission"
	case PromptResubmit:
		return "prompt-resubmit"
	case DeleteDevice:
		return "delete-device"
	}
	return "unknown"
}

// ParseCommand maps a command name back to its kind.
func ParseCommand(s string) (CommandKind, error) {
	for _, k := range []CommandKind{RequestPermission, PromptResubmit, DeleteDevice} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// API is the admin subset of the server.
type API interface {
	Login(ctx context.Context, password string) (string, error)
	SetToken(token string)
	Devices(ctx context.Context) ([]models.Device, error)
	Messages(ctx context.Context, deviceID string) ([]models.Message, error)
	RequestPermission(ctx context.Context, deviceID string) error
	PromptResubmit(ctx context.Context, deviceID string) error
	DeleteDevice(ctx context.Context, deviceID string) error
}

// Channel is the room membership side of the push connection.
type Channel interface {
	Join(room string)
	Leave(room string)
}

// Renderer draws the session. Calls are serialized by the session and
// must not call back into it.
type Renderer interface {
	RenderRoster(devices []models.Device, selected string)
	ShowDevice(v DeviceView)
	ShowPlaceholder()
	ClearMessages()
	AppendMessage(v MessageView)
	Notify(text string)
}

// Confirmer asks the operator before an irreversible command.
type Confirmer interface {
	Confirm(prompt string) bool
}

// Session holds the roster snapshot and the selection. At most one
// device room is joined at a time.
type Session struct {
	api     API
	tokens  *files.TokenStore
	channel Channel
	view    Renderer
	confirm Confirmer
	log     zerolog.Logger

	events chan protocol.Event
	done   chan struct{}

	mu       sync.Mutex
	authed   bool
	roster   []models.Device
	selected string
	joined   string
	// seq increments on every selection change; a history response
	// carrying an older seq is stale.
	seq      uint64
	loading  bool
	buffered []models.Message
}

func NewSession(api API, tokens *files.TokenStore, ch Channel, view Renderer, confirm Confirmer, log zerolog.Logger) *Session {
	return &Session{
		api:     api,
		tokens:  tokens,
		channel: ch,
		view:    view,
		confirm: confirm,
		log:     log.With().Str("component", "admin").Logger(),
		events:  make(chan protocol.Event, 16),
		done:    make(chan struct{}),
	}
}

// Restore reuses a credential stored by an earlier run. It reports
// whether one was found.
func (s *Session) Restore() (bool, error) {
	token, err := s.tokens.Load()
	if err != nil {
		return false, fmt.Errorf("load token: %w", err)
	}
	if token == "" {
		return false, nil
	}
	s.api.SetToken(token)
	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()
	return true, nil
}

// Login exchanges the password for a credential and persists it.
func (s *Session) Login(ctx context.Context, password string) error {
	token, err := s.api.Login(ctx, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := s.tokens.Save(token); err != nil {
		s.log.Warn().Err(err).Msg("persist token")
	}
	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()
	s.log.Info().Msg("logged in")
	return nil
}

// Authenticated reports whether a credential is held.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// Selected returns the selected device id, or "".
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Roster returns a copy of the roster snapshot.
func (s *Session) Roster() []models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Device(nil), s.roster...)
}

func (s *Session) requireAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authed {
		return ErrNotAuthenticated
	}
	return nil
}

// fail turns a rejected credential into the unauthenticated state.
func (s *Session) fail(op string, err error) error {
	if !utils.IsUnauthorized(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.Logout()
	s.view.Notify("Session expired, log in again")
	return fmt.Errorf("%s: %w", op, ErrNotAuthenticated)
}

// Logout drops the credential from memory and disk and resets the view.
func (s *Session) Logout() {
	s.api.SetToken("")
	if err := s.tokens.Clear(); err != nil {
		s.log.Warn().Err(err).Msg("clear token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authed = false
	s.roster = nil
	s.clearSelectionLocked()
	s.log.Info().Msg("logged out")
}

// LoadRoster replaces the snapshot with the server's device list and
// refreshes the selected device's detail.
func (s *Session) LoadRoster(ctx context.Context) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	devices, err := s.api.Devices(ctx)
	if err != nil {
		return s.fail("load roster", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = devices
	if s.selected != "" {
		if d, ok := s.findLocked(s.selected); ok {
			s.view.ShowDevice(newDeviceView(d))
		} else {
			s.clearSelectionLocked()
		}
	}
	s.view.RenderRoster(s.roster, s.selected)
	return nil
}

// SelectDevice moves the subscription to id and loads its history. A
// history response that arrives after another selection is discarded.
func (s *Session) SelectDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	d, ok := s.findLocked(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if s.joined != "" && s.joined != id {
		s.channel.Leave(s.joined)
	}
	s.channel.Join(id)
	s.joined = id
	s.selected = id
	s.seq++
	seq := s.seq
	s.loading = true
	s.buffered = nil
	s.view.ShowDevice(newDeviceView(d))
	s.view.ClearMessages()
	s.view.RenderRoster(s.roster, s.selected)
	s.mu.Unlock()

	history, err := s.api.Messages(ctx, id)

	s.mu.Lock()
	if s.seq != seq {
		s.mu.Unlock()
		s.log.Debug().Str("device", id).Msg("dropping stale history")
		return nil
	}
	s.loading = false
	live := s.buffered
	s.buffered = nil
	if err == nil {
		for _, m := range history {
			s.view.AppendMessage(newMessageView(m))
		}
	}
	// live messages that raced the history fetch go after it
	for _, m := range live {
		if !containsMessage(history, m) {
			s.view.AppendMessage(newMessageView(m))
		}
	}
	s.mu.Unlock()

	if err != nil {
		return s.fail("load history", err)
	}
	return nil
}

// IssueCommand sends one privileged command for id. DeleteDevice asks
// the Confirmer first and changes the local snapshot only after the
// server accepted it.
func (s *Session) IssueCommand(ctx context.Context, kind CommandKind, id string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%s: no device", kind)
	}

	var err error
	switch kind {
	case RequestPermission:
		err = s.api.RequestPermission(ctx, id)
	case PromptResubmit:
		err = s.api.PromptResubmit(ctx, id)
	case DeleteDevice:
		if s.confirm != nil && !s.confirm.Confirm(fmt.Sprintf("Delete device %s? This cannot be undone.", id)) {
			return ErrNotConfirmed
		}
		err = s.api.DeleteDevice(ctx, id)
	default:
		return fmt.Errorf("unknown command %d", kind)
	}
	if err != nil {
		return s.fail(kind.String(), err)
	}
	s.log.Info().Stringer("command", kind).Str("device", id).Msg("command issued")

	switch kind {
	case RequestPermission:
		s.view.Notify("Permission request sent")
	case PromptResubmit:
		s.view.Notify("Resubmit prompt sent")
	case DeleteDevice:
		s.mu.Lock()
		s.removeLocked(id)
		if s.selected == id {
			s.clearSelectionLocked()
		}
		s.view.RenderRoster(s.roster, s.selected)
		s.mu.Unlock()
		s.view.Notify("Device deleted")
	}
	return nil
}

// WriteRoster writes the snapshot as indented JSON.
func (s *Session) WriteRoster(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Roster())
}

// HandleFrame decodes a channel frame and queues it.
func (s *Session) HandleFrame(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping channel frame")
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run applies queued events until ctx is done. Run must be called at
// most once.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(s.done)
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventRosterChanged:
		if err := s.LoadRoster(ctx); err != nil {
			s.log.Warn().Err(err).Msg("roster reload failed")
		}
	case protocol.EventNewMessage:
		s.appendLive(*ev.Message)
	default:
		s.log.Debug().Stringer("event", ev.Kind).Msg("ignoring event")
	}
}

func (s *Session) appendLive(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.DeviceID != s.selected {
		return
	}
	if s.loading {
		s.buffered = append(s.buffered, m)
		return
	}
	s.view.AppendMessage(newMessageView(m))
}

func (s *Session) findLocked(id string) (models.Device, bool) {
	for _, d := range s.roster {
		if d.DeviceID == id {
			return d, true
		}
	}
	return models.Device{}, false
}

func (s *Session) removeLocked(id string) {
	out := make([]models.Device, 0, len(s.roster))
	for _, d := range s.roster {
		if d.DeviceID != id {
			out = append(out, d)
		}
	}
	s.roster = out
}

func (s *Session) clearSelectionLocked() {
	if s.joined != "" {
		s.channel.Leave(s.joined)
		s.joined = ""
	}
	if s.selected != "" {
		s.selected = ""
		s.seq++
		s.loading = false
		s.buffered = nil
		s.view.ClearMessages()
		s.view.ShowPlaceholder()
	}
}

func containsMessage(list []models.Message, m models.Message) bool {
	for _, x := range list {
		if x == m {
			return true
		}
	}
	return false
}
