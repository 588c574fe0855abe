package staging

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// remote operations
const (
	OpCreateGroup      = "create_group"
	OpMoveMember       = "move_member"
	OpCreateEmailBatch = "create_email_batch"
	OpInsertEmail      = "insert_email"
)

type (
	// ConflictError is returned by Store.Add when staged intents already touch some of the subjects.
	ConflictError struct {
		Subjects []string
		Reason   string
	}

	// RemoteCallError is a failed remote call made while publishing one intent.
	RemoteCallError struct {
		Op       string
		IntentID string
		Err      error
	}

	// RemoteError is the application-level error object returned by the backend.
	RemoteError struct {
		Op      string `json:"-"`
		Status  int    `json:"-"` // HTTP status, 0 when the backend is not reached over HTTP
		Message string `json:"message"`
		Code    string `json:"code"`
		Details string `json:"details,omitempty"`
		Hint    string `json:"hint,omitempty"`
	}
)

func (err ConflictError) Error() string {
	return err.Reason
}

func (err RemoteCallError) Error() string {
	return fmt.Sprintf("%s (intent %s): %v", err.Op, err.IntentID, err.Err)
}

func (err RemoteCallError) Unwrap() error { return err.Err }
func (err RemoteCallError) Cause() error  { return err.Err }

func (err RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(err.Message)
	if err.Code != "" {
		b.WriteString(" (code " + err.Code + ")")
	}
	if err.Details != "" {
		b.WriteString(": " + err.Details)
	}
	return b.String()
}

// Retryable reports whether repeating the call may succeed: connection failures,
// serialization failures, deadlocks and server-side unavailability.
func (err RemoteError) Retryable() bool {
	switch {
	case strings.HasPrefix(err.Code, "08"):
		return true
	case err.Code == "40001", err.Code == "40P01", err.Code == "57P03":
		return true
	case err.Code == "" && (err.Status >= 500 || err.Status == 429):
		return true
	}
	return false
}

// IsConflict reports whether the cause of err is a *ConflictError.
func IsConflict(err error) bool {
	_, ok := errors.Cause(err).(*ConflictError)
	return ok
}

// AsRemoteError finds the backend error object behind err, if any.
func AsRemoteError(err error) (*RemoteError, bool) {
	var rErr *RemoteError
	if errors.As(err, &rErr) {
		return rErr, true
	}
	return nil, false
}
