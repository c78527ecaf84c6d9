package model

import (
	"fmt"
	"time"
)

// SchedulingResult is the output of the intelligent scheduler.
type SchedulingResult struct {
	ScheduledAt  time.Time          `json:"scheduled_at"`
	CalculatedAt time.Time          `json:"calculated_at"`
	Reasoning    string             `json:"reasoning"`
	Metadata     SchedulingMetadata `json:"metadata"`
}

// EventKind is a delivery state-machine trigger.
type EventKind int

const (
	EventEnqueue EventKind = iota
	EventDequeue
	EventPublishSucceeded
	EventPublishFailed
	EventCancel
	EventReschedule
)

func (k EventKind) String() string {
	switch k {
	case EventEnqueue:
		return "enqueue"
	case EventDequeue:
		return "dequeue"
	case EventPublishSucceeded:
		return "publish_succeeded"
	case EventPublishFailed:
		return "publish_failed"
	case EventCancel:
		return "cancel"
	case EventReschedule:
		return "reschedule"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is applied to a post by Transition.
type Event struct {
	Kind EventKind
	At   time.Time

	// PublishSucceeded
	PlatformPostID  string
	PlatformPostURL string

	// PublishFailed
	Err string

	// Reschedule
	Schedule *SchedulingResult
}

// allowed maps each event to the statuses it may fire from.
var allowed = map[EventKind][]Status{
	EventEnqueue:          {StatusPending},
	EventDequeue:          {StatusScheduled},
	EventPublishSucceeded: {StatusProcessing},
	EventPublishFailed:    {StatusProcessing},
	EventCancel:           {StatusScheduled},
	EventReschedule:       {StatusCancelled, StatusFailed},
}

// CanApply reports whether ev may fire from status s.
func CanApply(s Status, ev EventKind) bool {
	for _, from := range allowed[ev] {
		if s == from {
			return true
		}
	}
	return false
}

// Transition applies ev to p and returns the updated copy. p is not modified.
func Transition(p ScheduledPost, ev Event) (ScheduledPost, error) {
	if !CanApply(p.Status, ev.Kind) {
		return p, &StateConflictError{
			Op:     ev.Kind.String(),
			From:   p.Status,
			Reason: fmt.Sprintf("post %s is %s", p.ID, p.Status),
		}
	}

	next := p
	next.UpdatedAt = ev.At

	switch ev.Kind {
	case EventEnqueue:
		next.Status = StatusScheduled

	case EventDequeue:
		next.Status = StatusProcessing

	case EventPublishSucceeded:
		at := ev.At
		next.Status = StatusPublished
		next.PublishedAt = &at
		next.PlatformPostID = ev.PlatformPostID
		next.PlatformPostURL = ev.PlatformPostURL
		next.FailureReason = ""

	case EventPublishFailed:
		at := ev.At
		errs := make([]AttemptError, len(p.PublishingAttempts.Errors), len(p.PublishingAttempts.Errors)+1)
		copy(errs, p.PublishingAttempts.Errors)
		next.PublishingAttempts = PublishingAttempts{
			Count:       p.PublishingAttempts.Count + 1,
			LastAttempt: &at,
			Errors:      append(errs, AttemptError{Timestamp: at, Error: ev.Err}),
		}
		if next.PublishingAttempts.Count >= MaxPublishAttempts {
			next.Status = StatusFailed
			next.FailureReason = ev.Err
		} else {
			next.Status = StatusScheduled
		}

	case EventCancel:
		next.Status = StatusCancelled

	case EventReschedule:
		if ev.Schedule == nil {
			return p, &ValidationError{Field: "schedule", Reason: "reschedule requires a scheduling result"}
		}
		next.Status = StatusScheduled
		next.ScheduledAt = ev.Schedule.ScheduledAt
		next.CalculatedAt = ev.Schedule.CalculatedAt
		next.SchedulingReason = ev.Schedule.Reasoning
		next.SchedulingMetadata = ev.Schedule.Metadata
		next.FailureReason = ""
		next.PublishingAttempts.Count = 0
		next.RescheduleCount = p.RescheduleCount + 1
	}
	return next, nil
}
