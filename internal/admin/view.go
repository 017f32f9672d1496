package admin

import (
	"strconv"
	"strings"
	"time"

	"github.com/harrylevesque/fleetsync/internal/models"
)

const timeLayout = "02.01.2006, 15:04:05"

// DeviceView is the detail panel of the selected device.
type DeviceView struct {
	DeviceID   string
	IP         string
	Location   string
	OwnerName  string
	Email      string
	Phone      string
	Address    string
	Permission string
	Submitted  string
}

// MessageView is one rendered event-log line.
type MessageView struct {
	Kind string
	Body string
	Time string
}

func newDeviceView(d models.Device) DeviceView {
	v := DeviceView{
		DeviceID:   d.DeviceID,
		IP:         d.IP,
		Location:   joinNonEmpty(", ", d.City, d.Country),
		Phone:      "not provided",
		Permission: "denied",
	}
	if d.Permission {
		v.Permission = "granted"
	}
	if rec := d.Record; rec != nil {
		v.OwnerName = rec.OwnerName
		v.Email = rec.Email
		v.Address = rec.Address
		if rec.PhoneNumber != "" {
			v.Phone = rec.PhoneNumber
		}
	}
	if !d.SubmittedAt.IsZero() {
		v.Submitted = d.SubmittedAt.Local().Format(timeLayout)
	}
	return v
}

func newMessageView(m models.Message) MessageView {
	return MessageView{Kind: m.Kind, Body: m.Body, Time: FormatTimestamp(m.Timestamp)}
}

// FormatTimestamp renders an epoch-millisecond value. Leading digits are
// used, trailing garbage is ignored, and a value with no digits renders
// as "Invalid Date".
func FormatTimestamp(raw string) string {
	s := strings.TrimSpace(raw)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return "Invalid Date"
	}
	ms, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return "Invalid Date"
	}
	return time.UnixMilli(ms).Local().Format(timeLayout)
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
