package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	a := NewID("task")
	b := NewID("task")

	if !strings.HasPrefix(a, "task_") {
		t.Errorf("expected task_ prefix, got %s", a)
	}
	if len(a) != len("task_")+26 {
		t.Errorf("unexpected id length %d", len(a))
	}
	if a == b {
		t.Error("expected distinct ids")
	}
	if a != strings.ToLower(a) {
		t.Errorf("expected lowercase id, got %s", a)
	}
}
