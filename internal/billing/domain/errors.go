package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedEvent       = errors.New("malformed_event")
	ErrOrganizationNotFound = errors.New("organization_not_found")
	ErrDatabaseOperation    = errors.New("database_operation_failed")
	ErrNotification         = errors.New("notification_failed")
)

// MalformedEventError reports an event that is missing a field required to
// correlate or apply it. Nothing has been written when it is returned.
type MalformedEventError struct {
	EventID string
	Field   string
	Err     error
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("malformed event %q: invalid %s", e.EventID, e.Field)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }
func (e *MalformedEventError) Unwrap() error        { return e.Err }

// OrganizationNotFoundError means no organization carries the billing
// reference. Usually a sync problem between the provider and our records.
type OrganizationNotFoundError struct {
	EventID          string
	BillingReference string
}

func (e *OrganizationNotFoundError) Error() string {
	return fmt.Sprintf("event %q: no organization with billing reference %q", e.EventID, e.BillingReference)
}

func (e *OrganizationNotFoundError) Is(target error) bool { return target == ErrOrganizationNotFound }

// DatabaseOperationError wraps a storage failure. The transaction has been
// rolled back and the delivery may be retried.
type DatabaseOperationError struct {
	Op  string
	Err error
}

func (e *DatabaseOperationError) Error() string {
	return fmt.Sprintf("database operation %s failed: %v", e.Op, e.Err)
}

func (e *DatabaseOperationError) Is(target error) bool { return target == ErrDatabaseOperation }
func (e *DatabaseOperationError) Unwrap() error        { return e.Err }

// NotificationError wraps a failed post-commit email. It is logged, never returned to the provider.
type NotificationError struct {
	To  string
	Err error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.To, e.Err)
}

func (e *NotificationError) Is(target error) bool { return target == ErrNotification }
func (e *NotificationError) Unwrap() error        { return e.Err }

// WrapDatabase tags err as a storage failure unless it already carries a
// billing error kind.
func WrapDatabase(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrOrganizationNotFound) || errors.Is(err, ErrDatabaseOperation) {
		return err
	}
	return &DatabaseOperationError{Op: op, Err: err}
}
