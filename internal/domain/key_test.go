package domain

import (
	"testing"
	"time"
)

func TestKeyRecord_ExpiredAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := &KeyRecord{CreatedAt: created, ExpiresAt: created.Add(time.Second)}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"at creation", created, false},
		{"just before expiry", created.Add(time.Second - time.Nanosecond), false},
		{"exactly at expiry", created.Add(time.Second), true},
		{"after expiry", created.Add(2 * time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := key.ExpiredAt(tt.now); got != tt.want {
				t.Errorf("ExpiredAt(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestKeyStatus_IsTerminal(t *testing.T) {
	if KeyStatusActive.IsTerminal() {
		t.Error("active must not be terminal")
	}
	if !KeyStatusExpired.IsTerminal() || !KeyStatusConsumed.IsTerminal() {
		t.Error("expired and consumed must be terminal")
	}
}

func TestKeyRecord_MetadataOmitsMaterial(t *testing.T) {
	key := &KeyRecord{KeyID: "qkd_x", KeyMaterial: []byte{1, 2, 3}, Status: KeyStatusActive}
	md := key.Metadata()
	if md.KeyID != "qkd_x" || md.Status != KeyStatusActive {
		t.Errorf("unexpected metadata: %+v", md)
	}
}
