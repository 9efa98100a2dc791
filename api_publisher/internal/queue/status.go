package queue

import (
	"errors"
	"fmt"
)

// Status is an item's lifecycle state. Only the current status is kept.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusApproved          Status = "approved"
	StatusPosting           Status = "posting"
	StatusPosted            Status = "posted"
	StatusFailed            Status = "failed"
	StatusPartialThread     Status = "partial_thread"
	StatusSkippedLowQuality Status = "skipped_low_quality"
	StatusSkippedLowRes     Status = "skipped_low_res"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// pipelineTransitions are the moves the publish pipeline may make on its own.
// approved -> posted covers the duplicate guard, which records an earlier
// publish without going through posting.
var pipelineTransitions = map[Status][]Status{
	StatusDraft: {StatusApproved},
	StatusApproved: {
		StatusPosting,
		StatusPosted,
		StatusFailed,
		StatusSkippedLowQuality,
		StatusSkippedLowRes,
	},
	StatusPosting: {StatusPosted, StatusFailed, StatusPartialThread},
}

// manualTransitions put rejected items back in front of the pipeline. Only
// an operator does this; the pipeline never re-approves.
var manualTransitions = map[Status][]Status{
	StatusFailed:            {StatusApproved},
	StatusPartialThread:     {StatusApproved},
	StatusSkippedLowQuality: {StatusApproved},
	StatusSkippedLowRes:     {StatusApproved},
}

// ValidateTransition reports whether the pipeline may move from -> to.
func ValidateTransition(from, to Status) error {
	return validate(pipelineTransitions, from, to)
}

func validate(table map[Status][]Status, from, to Status) error {
	for _, allowed := range table[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Terminal reports whether the pipeline will never touch an item again.
func (s Status) Terminal() bool {
	switch s {
	case StatusPosted, StatusFailed, StatusPartialThread, StatusSkippedLowQuality, StatusSkippedLowRes:
		return true
	default:
		return false
	}
}

// Known reports whether s is one of the statuses above. Files edited by other
// tools may carry statuses of their own; those items are left alone.
func (s Status) Known() bool {
	switch s {
	case StatusDraft, StatusApproved, StatusPosting:
		return true
	default:
		return s.Terminal()
	}
}
