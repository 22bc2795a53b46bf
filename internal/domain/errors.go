package domain

import (
	"errors"
	"fmt"
)

// MalformedAlertError rejects one alert item without aborting its batch.
// Params: item index in batch and validation cause.
// Returns: per-item error recorded in IngestResult.
type MalformedAlertError struct {
	Index  int
	Reason string
	Err    error
}

func (e *MalformedAlertError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("alert[%d]: %s: %v", e.Index, e.Reason, e.Err)
	}
	return fmt.Sprintf("alert[%d]: %s", e.Index, e.Reason)
}

func (e *MalformedAlertError) Unwrap() error {
	return e.Err
}

// MalformedBatchError rejects a whole webhook body before any state change.
type MalformedBatchError struct {
	Reason string
	Err    error
}

func (e *MalformedBatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed batch: %s: %v", e.Reason, e.Err)
	}
	return "malformed batch: " + e.Reason
}

func (e *MalformedBatchError) Unwrap() error {
	return e.Err
}

// DeliveryError reports a failed chat send.
type DeliveryError struct {
	Room string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to room %s: %v", e.Room, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// EditFailedError reports a chat edit on a missing or forbidden message.
type EditFailedError struct {
	Ref MessageRef
	Err error
}

func (e *EditFailedError) Error() string {
	return fmt.Sprintf("edit message %s in room %s: %v", e.Ref.MessageID, e.Ref.Room, e.Err)
}

func (e *EditFailedError) Unwrap() error {
	return e.Err
}

// StoreUnavailableError reports an infrastructure failure of the state backend.
// Params: failed operation name and backend error.
// Returns: request-fatal error; callers are expected to retry the whole delivery.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("state store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IsStoreUnavailable reports whether err carries StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}

// IsMalformed reports whether err rejects input rather than infrastructure.
func IsMalformed(err error) bool {
	var alertErr *MalformedAlertError
	var batchErr *MalformedBatchError
	return errors.As(err, &alertErr) || errors.As(err, &batchErr)
}
