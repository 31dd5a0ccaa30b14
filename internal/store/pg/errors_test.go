package pg

import (
	"database/sql/driver"
	"errors"
	"net"
	"testing"

	"github.com/toralehq/torale/internal/store"
)

// fakePgErr mimics a pgconn error carrying an SQLSTATE code.
type fakePgErr struct{ code string }

func (e *fakePgErr) Error() string    { return "pg error " + e.code }
func (e *fakePgErr) SQLState() string { return e.code }

func TestWrapDBClassifiesTransientErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"connection failure 08006", &fakePgErr{"08006"}, true},
		{"connection does not exist 08003", &fakePgErr{"08003"}, true},
		{"admin shutdown 57P01", &fakePgErr{"57P01"}, true},
		{"bad conn", driver.ErrBadConn, true},
		{"net error", &net.OpError{Op: "read", Err: errors.New("connection reset")}, true},
		{"unique violation 23505", &fakePgErr{"23505"}, false},
		{"syntax error 42601", &fakePgErr{"42601"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapDB("load task", tt.err)
			if got := errors.Is(wrapped, store.ErrUnavailable); got != tt.transient {
				t.Errorf("ErrUnavailable in chain = %t, want %t (%v)", got, tt.transient, wrapped)
			}
			if !tt.transient && !errors.Is(wrapped, tt.err) {
				t.Errorf("original error lost from chain: %v", wrapped)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&fakePgErr{"23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if isUniqueViolation(&fakePgErr{"08006"}) {
		t.Error("08006 is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Error("plain error is not a unique violation")
	}
}
