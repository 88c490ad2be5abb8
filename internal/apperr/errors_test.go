package apperr

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestInvalidWrapsSentinel(t *testing.T) {
	err := Invalid(errors.New("type: must be a valid value"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "type: must be a valid value") {
		t.Errorf("cause lost: %v", err)
	}
	if Invalid(nil) != nil {
		t.Error("Invalid(nil) should be nil")
	}
}

func TestStorageKeepsCause(t *testing.T) {
	err := Storage("read index", os.ErrPermission)
	if !errors.Is(err, ErrStorage) {
		t.Error("expected ErrStorage")
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("expected underlying cause to stay reachable")
	}
}

func TestNotFoundf(t *testing.T) {
	err := NotFoundf("atom %s", "K-000009")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected ErrNotFound")
	}
	if !strings.Contains(err.Error(), "K-000009") {
		t.Errorf("id missing from %q", err.Error())
	}
}
