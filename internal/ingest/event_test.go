package ingest

import (
	"errors"
	"testing"

	"github.com/example/driver-dispatch/internal/models"
)

func TestDecodeLocationEvent(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{name: "upsert", in: `{"kind":"upsert","driver_id":"d1","lat":26.72,"lng":85.92}`},
		{name: "offline", in: `{"kind":"offline","driver_id":"d1"}`},
		{name: "missing driver", in: `{"kind":"upsert","lat":1,"lng":1}`, wantErr: models.ErrMissingDriverID},
		{name: "bad coordinate", in: `{"kind":"upsert","driver_id":"d1","lat":95,"lng":1}`, wantErr: models.ErrInvalidCoordinate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeLocationEvent([]byte(tt.in))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := DecodeLocationEvent([]byte(`{"kind":"teleport","driver_id":"d1"}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := DecodeLocationEvent([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
