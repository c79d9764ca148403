package api

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
)

// ErrNameConflict indicates the server rejected a rename because another
// asset of the same kind already uses the name.
var ErrNameConflict = errors.New("name already in use")

// StatusError is returned for any non-2xx API response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.Code, strings.TrimSpace(e.Body))
}

// IsNameConflictError checks if an error indicates a name collision.
//
// Detected from:
//  1. Wrapped ErrNameConflict
//  2. StatusError with HTTP 409 Conflict
//  3. Error messages containing "already exists", "duplicate", "conflict" or "name already in use"
func IsNameConflictError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNameConflict) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) && se.Code == nethttp.StatusConflict {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"already exists",
		"duplicate",
		"conflict",
		"name already in use",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// IsNotFoundError reports a 404 from the API.
func IsNotFoundError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == nethttp.StatusNotFound
}
