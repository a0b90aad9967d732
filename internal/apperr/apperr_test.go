package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := New(EntityNotFound, "endpoint ep_x")
	wrapped := fmt.Errorf("handling event: %w", base)
	if got := KindOf(wrapped); got != EntityNotFound {
		t.Errorf("KindOf(wrapped) = %v, want EntityNotFound", got)
	}
}

func TestKindOfDefaultsToPersistence(t *testing.T) {
	if got := KindOf(errors.New("some random error")); got != Persistence {
		t.Errorf("KindOf(plain error) = %v, want Persistence", got)
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Persistf(cause, "saving message")
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should find the wrapped cause")
	}
}
