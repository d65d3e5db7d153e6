package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestMessageUnwrapsAppError(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := fmt.Errorf("poll sensors: %w", NewAppError("FetchSensorData", "backend unavailable", cause))

	if got := Message(wrapped); got != "backend unavailable: connection refused" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := Message(NewAppError("Reset", "reset rejected", nil)); got != "reset rejected" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := Message(errors.New("plain")); got != "plain" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := Message(nil); got != "" {
		t.Fatalf("expected empty message for nil, got %q", got)
	}
}
