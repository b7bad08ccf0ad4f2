// Package errors defines the typed error taxonomy of the detection engine
// and sanitization utilities for messages crossing the service boundary.
//
// The taxonomy encodes the engine's failure-isolation rules: no single
// detector or candidate failure aborts a batch. InputError skips one event,
// InsufficientDataError yields no result, CapacityExceededError rejects a
// batch at admission, TimeoutError marks one candidate incomplete, and
// BaselineUnavailableError switches a detector to static defaults.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// InputError reports a malformed or incomplete event. The offending event
// is skipped; the batch continues.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input: field %q: %s", e.Field, e.Reason)
}

// NewInputError creates an InputError for a specific field.
func NewInputError(field, reason string) *InputError {
	return &InputError{Field: field, Reason: reason}
}

// InsufficientDataError reports that a detector had too few events or
// samples to run. This is not a failure: the detector simply yields no
// result.
type InsufficientDataError struct {
	Detector string
	Needed   int
	Got      int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: insufficient data: need %d, got %d", e.Detector, e.Needed, e.Got)
}

// NewInsufficientData creates an InsufficientDataError for a detector.
func NewInsufficientData(detector string, needed, got int) *InsufficientDataError {
	return &InsufficientDataError{Detector: detector, Needed: needed, Got: got}
}

// CapacityExceededError reports that a batch was rejected at admission
// because the work queue is saturated. The caller must retry later; the
// engine never silently queues or blocks.
type CapacityExceededError struct {
	QueueDepth int
	Capacity   int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: queue depth %d of %d, batch rejected", e.QueueDepth, e.Capacity)
}

// NewCapacityExceeded creates a CapacityExceededError with queue stats.
func NewCapacityExceeded(depth, capacity int) *CapacityExceededError {
	return &CapacityExceededError{QueueDepth: depth, Capacity: capacity}
}

// TimeoutError reports that a detector or correlation pass exceeded its
// budget. The affected candidate is marked incomplete; the batch continues.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded budget of %v", e.Op, e.Budget)
}

// NewTimeout creates a TimeoutError for an operation.
func NewTimeout(op string, budget time.Duration) *TimeoutError {
	return &TimeoutError{Op: op, Budget: budget}
}

// BaselineUnavailableError reports that no warm baseline exists for an
// organization. Detectors fall back to static defaults; the batch never
// fails on this.
type BaselineUnavailableError struct {
	OrgID      string
	SampleSize int
	Needed     int
}

func (e *BaselineUnavailableError) Error() string {
	return fmt.Sprintf("baseline unavailable for org %s: %d of %d samples", e.OrgID, e.SampleSize, e.Needed)
}

// NewBaselineUnavailable creates a BaselineUnavailableError.
func NewBaselineUnavailable(orgID string, sampleSize, needed int) *BaselineUnavailableError {
	return &BaselineUnavailableError{OrgID: orgID, SampleSize: sampleSize, Needed: needed}
}

// IsInsufficientData reports whether err is an InsufficientDataError.
func IsInsufficientData(err error) bool {
	var e *InsufficientDataError
	return errors.As(err, &e)
}

// IsCapacityExceeded reports whether err is a CapacityExceededError.
func IsCapacityExceeded(err error) bool {
	var e *CapacityExceededError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsBaselineUnavailable reports whether err is a BaselineUnavailableError.
func IsBaselineUnavailable(err error) bool {
	var e *BaselineUnavailableError
	return errors.As(err, &e)
}
