package dispatch

import (
	"errors"
	"fmt"
	"testing"

	"wablast/internal/provider"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{name: "invalid wid", err: errors.New("Invalid wid given"), want: CategoryInvalidNumber},
		{name: "not a valid", err: errors.New("phone is NOT A VALID number"), want: CategoryMalformedNumber},
		{name: "invalid format", err: errors.New("invalid format for jid"), want: CategoryMalformedNumber},
		{name: "blocked", err: errors.New("Recipient Blocked"), want: CategoryBlocked},
		{name: "second line ignored", err: errors.New("boom\nblocked"), want: CategoryUnknown},
		{name: "unknown", err: errors.New("something else"), want: CategoryUnknown},
		{name: "not connected", err: fmt.Errorf("send: %w", provider.ErrNotConnected), want: CategorySessionUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Classify(tt.err)
			if got != tt.want {
				t.Fatalf("Classify(%q) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
