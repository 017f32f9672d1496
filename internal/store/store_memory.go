package store

import (
	"sort"
	"sync"
	"time"

	"github.com/harrylevesque/fleetsync/internal/models"
)

type entry struct {
	device   models.Device
	messages []models.Message
	// awaiting is set from a resubmit request until the next record.
	awaiting bool
	// pending is set from a resubmit request until a poll takes it.
	pending bool
}

type memoryStore struct {
	mu      sync.RWMutex
	devices map[string]*entry
	deleted map[string]struct{}
}

func NewMemoryStore() Store {
	return &memoryStore{
		devices: make(map[string]*entry),
		deleted: make(map[string]struct{}),
	}
}

// lookup must be called with mu held.
func (s *memoryStore) lookup(deviceID string) (*entry, error) {
	if _, gone := s.deleted[deviceID]; gone {
		return nil, ErrDeviceDeleted
	}
	e, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return e, nil
}

// lookupOrCreate must be called with mu held for writing.
func (s *memoryStore) lookupOrCreate(deviceID string, at time.Time) (*entry, bool, error) {
	e, err := s.lookup(deviceID)
	if err == ErrDeviceNotFound {
		e = &entry{device: models.Device{DeviceID: deviceID, RegisteredAt: at.UTC()}}
		s.devices[deviceID] = e
		return e, true, nil
	}
	return e, false, err
}

func (s *memoryStore) RegisterDevice(deviceID string, origin Origin, at time.Time) (bool, error) {
	if deviceID == "" {
		return false, models.ErrEmptyDeviceID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, created, err := s.lookupOrCreate(deviceID, at)
	if err != nil {
		return false, err
	}
	if origin.IP != "" {
		e.device.IP = origin.IP
	}
	if origin.City != "" || origin.Country != "" {
		e.device.City, e.device.Country = origin.City, origin.Country
	}
	return created, nil
}

func (s *memoryStore) UpdatePermission(deviceID string, permission bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(deviceID)
	if err != nil {
		return false, err
	}
	if e.device.Permission == permission {
		return false, nil
	}
	e.device.Permission = permission
	return true, nil
}

func (s *memoryStore) SubmitRecord(deviceID string, rec models.Record, permission bool, at time.Time) error {
	if deviceID == "" {
		return models.ErrEmptyDeviceID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _, err := s.lookupOrCreate(deviceID, at)
	if err != nil {
		return err
	}
	if e.device.Record != nil && !e.awaiting {
		return ErrAlreadyAccepted
	}
	r := rec
	e.device.Record = &r
	e.device.Permission = permission
	e.device.SubmittedAt = at.UTC()
	e.awaiting = false
	e.pending = false
	return nil
}

func (s *memoryStore) Get(deviceID string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(deviceID)
	if err != nil {
		return nil, err
	}
	d := copyDevice(e.device)
	return &d, nil
}

// List returns the roster ordered by registration time.
func (s *memoryStore) List() []models.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Device, 0, len(s.devices))
	for _, e := range s.devices {
		out = append(out, copyDevice(e.device))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (s *memoryStore) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(deviceID); err != nil {
		return err
	}
	delete(s.devices, deviceID)
	s.deleted[deviceID] = struct{}{}
	return nil
}

func (s *memoryStore) AppendMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(msg.DeviceID)
	if err != nil {
		return err
	}
	e.messages = append(e.messages, msg)
	return nil
}

// Messages returns the device's event log in arrival order.
func (s *memoryStore) Messages(deviceID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, len(e.messages))
	copy(out, e.messages)
	return out, nil
}

func (s *memoryStore) RequestResubmit(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(deviceID)
	if err != nil {
		return err
	}
	e.awaiting = true
	e.pending = true
	return nil
}

func (s *memoryStore) TakeResubmit(deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(deviceID)
	if err == ErrDeviceNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pending := e.pending
	e.pending = false
	return pending, nil
}

func copyDevice(d models.Device) models.Device {
	if d.Record != nil {
		r := *d.Record
		d.Record = &r
	}
	return d
}
