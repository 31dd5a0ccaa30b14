package sqlite

import (
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/toralehq/torale/internal/store"
)

func TestWrapDBClassifiesTransientErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"locked", errors.New("table is locked (6) (SQLITE_LOCKED)"), true},
		{"interrupt", errors.New("interrupted (9) (SQLITE_INTERRUPT)"), true},
		{"bad conn", driver.ErrBadConn, true},
		{"constraint", errors.New("UNIQUE constraint failed: tasks.id"), false},
		{"plain error", errors.New("no such table"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapDB("insert task", tt.err)
			if got := errors.Is(wrapped, store.ErrUnavailable); got != tt.transient {
				t.Errorf("ErrUnavailable in chain = %t, want %t (%v)", got, tt.transient, wrapped)
			}
		})
	}
}
