package store

import (
	"errors"
	"time"

	"github.com/harrylevesque/fleetsync/internal/models"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceDeleted is terminal: a deleted identifier accepts nothing.
	ErrDeviceDeleted = errors.New("device deleted")
	// ErrAlreadyAccepted rejects a record while one is accepted and no
	// re-enrollment was requested.
	ErrAlreadyAccepted = errors.New("record already accepted")
)

// Origin is where a registration came from.
type Origin struct {
	IP      string
	City    string
	Country string
}

// Store is the server's roster and event log. Implementations must be
// safe for concurrent use.
type Store interface {
	// RegisterDevice creates the device on first call; later calls only
	// refresh its origin.
	RegisterDevice(deviceID string, origin Origin, at time.Time) (created bool, err error)
	UpdatePermission(deviceID string, permission bool) (changed bool, err error)
	// SubmitRecord accepts a record, implicitly creating the device, and
	// clears any outstanding re-enrollment.
	SubmitRecord(deviceID string, rec models.Record, permission bool, at time.Time) error
	Get(deviceID string) (*models.Device, error)
	List() []models.Device
	Delete(deviceID string) error

	AppendMessage(msg models.Message) error
	Messages(deviceID string) ([]models.Message, error)

	// RequestResubmit marks a re-enrollment as outstanding and pending
	// delivery to the polling path.
	RequestResubmit(deviceID string) error
	// TakeResubmit reports and clears the pending-delivery flag.
	TakeResubmit(deviceID string) (bool, error)
}
