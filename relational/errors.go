package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
)

// IsConnectivity reports whether err comes from losing the database rather
// than from the statement itself.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
