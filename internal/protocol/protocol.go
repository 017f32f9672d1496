// Package protocol defines the frames exchanged over the device session
// channel and the event union both the device agent and the admin
// session dispatch on.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harrylevesque/fleetsync/internal/models"
)

// Frame types. join/leave are room-membership control; the rest are
// business events.
const (
	TypeJoinDevice        = "join_device"
	TypeLeaveDevice       = "leave_device"
	TypePromptResubmit    = "prompt_resubmit"
	TypeRequestPermission = "request_permission"
	TypeNewMessage        = "new_message"
	TypeDevicesUpdated    = "devices_updated"
)

// ErrMalformed marks a frame that failed schema validation.
var ErrMalformed = errors.New("malformed frame")

// Frame is the JSON envelope on the wire.
type Frame struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"deviceId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// EventKind tags an Event.
type EventKind int

const (
	EventJoined EventKind = iota + 1
	EventNewMessage
	EventRosterChanged
	EventPromptResubmit
	EventRequestPermission
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventNewMessage:
		return "new_message"
	case EventRosterChanged:
		return "roster_changed"
	case EventPromptResubmit:
		return "prompt_resubmit"
	case EventRequestPermission:
		return "request_permission"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is the decoded form of a frame. Message is set only for
// EventNewMessage.
type Event struct {
	Kind     EventKind
	DeviceID string
	Message  *models.Message
}

// Encode marshals a frame with an optional payload.
func Encode(typ, deviceID string, payload any) ([]byte, error) {
	f := Frame{Type: typ, DeviceID: deviceID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(typ, deviceID string, payload any) []byte {
	b, err := Encode(typ, deviceID, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeFrame parses the envelope only.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return f, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return f, nil
}

// Decode parses a server-to-client frame into an Event. Control frames
// and unknown types return ErrMalformed; callers drop them.
func Decode(data []byte) (Event, error) {
	f, err := DecodeFrame(data)
	if err != nil {
		return Event{}, err
	}
	switch f.Type {
	case TypePromptResubmit:
		return Event{Kind: EventPromptResubmit, DeviceID: f.DeviceID}, nil
	case TypeRequestPermission:
		return Event{Kind: EventRequestPermission, DeviceID: f.DeviceID}, nil
	case TypeDevicesUpdated:
		return Event{Kind: EventRosterChanged}, nil
	case TypeNewMessage:
		var msg models.Message
		if len(f.Payload) == 0 {
			return Event{}, fmt.Errorf("%w: new_message without payload", ErrMalformed)
		}
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			return Event{}, fmt.Errorf("%w: new_message payload: %v", ErrMalformed, err)
		}
		if msg.DeviceID == "" {
			msg.DeviceID = f.DeviceID
		}
		if msg.DeviceID == "" {
			return Event{}, fmt.Errorf("%w: new_message without deviceId", ErrMalformed)
		}
		return Event{Kind: EventNewMessage, DeviceID: msg.DeviceID, Message: &msg}, nil
	}
	return Event{}, fmt.Errorf("%w: unexpected type %q", ErrMalformed, f.Type)
}
