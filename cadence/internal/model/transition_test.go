package model

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, time.March, 4, 8, 0, 0, 0, time.UTC)

func scheduledPost() ScheduledPost {
	return ScheduledPost{
		ID:          "post-1",
		ContentType: NormalNews,
		Platform:    Twitter,
		Status:      StatusScheduled,
		ScheduledAt: t0.Add(20 * time.Minute),
	}
}

func fail(t *testing.T, p ScheduledPost, msg string) ScheduledPost {
	t.Helper()
	p, err := Transition(p, Event{Kind: EventDequeue, At: t0})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	p, err = Transition(p, Event{Kind: EventPublishFailed, At: t0, Err: msg})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	return p
}

func TestRetryBound(t *testing.T) {
	// WHAT: Two failures keep the post scheduled; the third marks it failed.
	// WHY: A post fails only after exactly three recorded attempts.
	p := scheduledPost()
	p = fail(t, p, "timeout")
	p = fail(t, p, "503")
	if p.Status != StatusScheduled {
		t.Fatalf("after 2 failures: got %s, want scheduled", p.Status)
	}
	if p.PublishingAttempts.Count != 2 {
		t.Fatalf("count: got %d, want 2", p.PublishingAttempts.Count)
	}
	p = fail(t, p, "rate limited")
	if p.Status != StatusFailed {
		t.Fatalf("after 3 failures: got %s, want failed", p.Status)
	}
	if p.FailureReason != "rate limited" {
		t.Fatalf("failure reason: got %q", p.FailureReason)
	}
	if len(p.PublishingAttempts.Errors) != 3 {
		t.Fatalf("errors: got %d, want 3", len(p.PublishingAttempts.Errors))
	}
	if _, err := Transition(p, Event{Kind: EventDequeue, At: t0}); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("dequeue from failed: got %v, want state conflict", err)
	}
}

func TestThirdFailureFromCountTwo(t *testing.T) {
	p := scheduledPost()
	p.Status = StatusProcessing
	p.PublishingAttempts.Count = 2
	p, err := Transition(p, Event{Kind: EventPublishFailed, At: t0, Err: "platform said no"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusFailed || p.FailureReason != "platform said no" {
		t.Fatalf("got %s / %q", p.Status, p.FailureReason)
	}
}

func TestTransitionDoesNotAliasErrors(t *testing.T) {
	p := scheduledPost()
	p.Status = StatusProcessing
	p.PublishingAttempts.Errors = make([]AttemptError, 1, 4)
	next, err := Transition(p, Event{Kind: EventPublishFailed, At: t0, Err: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.PublishingAttempts.Errors) != 1 || len(next.PublishingAttempts.Errors) != 2 {
		t.Fatalf("input mutated: %d / %d", len(p.PublishingAttempts.Errors), len(next.PublishingAttempts.Errors))
	}
	next.PublishingAttempts.Errors[0].Error = "changed"
	if p.PublishingAttempts.Errors[0].Error == "changed" {
		t.Fatal("errors slice shared between copies")
	}
}

func TestPublishSucceeded(t *testing.T) {
	p := scheduledPost()
	p.Status = StatusProcessing
	p, err := Transition(p, Event{Kind: EventPublishSucceeded, At: t0, PlatformPostID: "tw-1", PlatformPostURL: "https://x.test/1"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusPublished || p.PublishedAt == nil || p.PlatformPostID != "tw-1" {
		t.Fatalf("unexpected post: %+v", p)
	}
}

func TestCancelGuard(t *testing.T) {
	// WHAT: Cancel is legal only from scheduled.
	// WHY: Cancelling an in-flight publish would race the publisher.
	for _, s := range []Status{StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusCancelled} {
		p := scheduledPost()
		p.Status = s
		got, err := Transition(p, Event{Kind: EventCancel, At: t0})
		var sc *StateConflictError
		if !errors.As(err, &sc) {
			t.Fatalf("cancel from %s: got %v, want StateConflictError", s, err)
		}
		if sc.From != s || got.Status != s {
			t.Fatalf("cancel from %s mutated state: %+v", s, got)
		}
	}
	p, err := Transition(scheduledPost(), Event{Kind: EventCancel, At: t0})
	if err != nil || p.Status != StatusCancelled {
		t.Fatalf("cancel from scheduled: %v %s", err, p.Status)
	}
}

func TestRescheduleGuard(t *testing.T) {
	res := &SchedulingResult{
		ScheduledAt:  t0.Add(2 * time.Hour),
		CalculatedAt: t0,
		Reasoning:    "manual",
		Metadata:     SchedulingMetadata{Method: MethodManual, TimeWindow: Moderate},
	}
	for _, s := range []Status{StatusScheduled, StatusProcessing, StatusPublished} {
		p := scheduledPost()
		p.Status = s
		if _, err := Transition(p, Event{Kind: EventReschedule, At: t0, Schedule: res}); !errors.Is(err, ErrStateConflict) {
			t.Fatalf("reschedule from %s: got %v", s, err)
		}
	}

	p := scheduledPost()
	p.Status = StatusFailed
	p.FailureReason = "boom"
	p.PublishingAttempts = PublishingAttempts{Count: 3, Errors: []AttemptError{{Error: "a"}, {Error: "b"}, {Error: "boom"}}}
	p, err := Transition(p, Event{Kind: EventReschedule, At: t0, Schedule: res})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusScheduled || !p.ScheduledAt.Equal(res.ScheduledAt) {
		t.Fatalf("unexpected post: %+v", p)
	}
	if p.FailureReason != "" || p.PublishingAttempts.Count != 0 {
		t.Fatalf("attempts not reset: %+v", p.PublishingAttempts)
	}
	if len(p.PublishingAttempts.Errors) != 3 {
		t.Fatal("error history must be kept across reschedule")
	}
	if p.RescheduleCount != 1 {
		t.Fatalf("reschedule count: got %d, want 1", p.RescheduleCount)
	}

	c := scheduledPost()
	c.Status = StatusCancelled
	if _, err := Transition(c, Event{Kind: EventReschedule, At: t0}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("reschedule without schedule: got %v", err)
	}
}

func TestPriority(t *testing.T) {
	want := map[ContentType]int{BreakingNews: 10, NormalNews: 7, Blog: 5, Evergreen: 3, Recycled: 1, "podcast": 1}
	for ct, p := range want {
		if got := ct.Priority(); got != p {
			t.Errorf("%s: got %d, want %d", ct, got, p)
		}
	}
}
