package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/toralehq/torale/internal/store"
)

// wrapDB annotates a driver error with the failed operation and marks
// connection-level failures as store.ErrUnavailable so callers can retry
// them as transient.
func wrapDB(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isTransient reports whether err looks like a connection-level failure a
// retry can survive, as opposed to a statement the database rejected.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	type sqlState interface{ SQLState() string }
	var st sqlState
	if errors.As(err, &st) {
		code := st.SQLState()
		// Class 08 is connection exceptions; 57P0x covers server shutdown
		// and admin-cancelled backends.
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P")
	}
	return false
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var st sqlState
	return errors.As(err, &st) && st.SQLState() == "23505"
}
