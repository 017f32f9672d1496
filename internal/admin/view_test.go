package admin

import (
	"testing"
	"time"

	"github.com/harrylevesque/fleetsync/internal/models"
)

func TestFormatTimestamp(t *testing.T) {
	want := time.UnixMilli(1700000000000).Local().Format(timeLayout)
	tests := []struct {
		in   string
		want string
	}{
		{"1700000000000", want},
		{" 1700000000000 ", want},
		{"1700000000000ms", want},
		{"", "Invalid Date"},
		{"yesterday", "Invalid Date"},
		{"-", "Invalid Date"},
		{"99999999999999999999999", "Invalid Date"},
	}
	for _, tt := range tests {
		if got := FormatTimestamp(tt.in); got != tt.want {
			t.Errorf("FormatTimestamp(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewDeviceView(t *testing.T) {
	v := newDeviceView(models.Device{DeviceID: "d1", City: "Berlin"})
	if v.Location != "Berlin" || v.Phone != "not provided" || v.Permission != "denied" || v.Submitted != "" {
		t.Fatalf("bare device view = %+v", v)
	}

	v = newDeviceView(models.Device{
		DeviceID:   "d1",
		City:       "Berlin",
		Country:    "DE",
		Permission: true,
		Record:     &models.Record{OwnerName: "Ann Lee", PhoneNumber: "+4930123456", Address: "Elm St 4"},
	})
	if v.Location != "Berlin, DE" || v.Phone != "+4930123456" || v.Permission != "granted" || v.OwnerName != "Ann Lee" {
		t.Fatalf("device view = %+v", v)
	}
}
