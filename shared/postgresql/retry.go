package postgresql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"
)

// ConnectorError is returned when no usable connection could be obtained
// within the retry budget
type ConnectorError struct {
	Attempts int
	Err      error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("could not get a valid connection after %d tries", e.Attempts)
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err means the connection was dropped or
// is unusable. Only these errors are retried; query and constraint errors
// are not.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection_exception, 57P01-03: server shutting down or not yet up
		if len(pqErr.Code) >= 2 && pqErr.Code.Class() == "08" {
			return true
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Retry calls fn until it succeeds, fails with a non-connection error, or
// maxAttempts connection errors have been seen. Non-connection errors are
// returned as is.
func Retry(ctx context.Context, maxAttempts int, fn func() error, onRetry func(attempt int, err error)) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsConnectionError(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		lastErr = err
		if onRetry != nil && attempt < maxAttempts {
			onRetry(attempt, err)
		}
	}

	return &ConnectorError{Attempts: maxAttempts, Err: lastErr}
}
