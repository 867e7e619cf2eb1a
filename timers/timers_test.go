package timers

import (
	"context"
	"testing"
	"time"

	"github.com/caseworks/docket/engine"
	"github.com/caseworks/docket/expr"
)

func corr(sub string) engine.Correlation {
	return engine.Correlation{
		ScopeType:  engine.ScopeTypeCase,
		ScopeID:    "case-1",
		SubScopeID: sub,
	}
}

func TestTimerFires(t *testing.T) {
	fired := make(chan engine.Correlation, 1)
	s := NewService(func(ctx context.Context, c engine.Correlation) error {
		fired <- c
		return nil
	})
	defer s.Shutdown()

	ctx := context.Background()
	if err := s.ScheduleTimerJob(ctx, corr("i-1"), time.Now().Add(10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-fired:
		if c.SubScopeID != "i-1" {
			t.Fatalf("fired %#v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	if n := s.Pending(); n != 0 {
		t.Fatalf("%d timers still pending", n)
	}
}

func TestTimerCancel(t *testing.T) {
	fired := make(chan engine.Correlation, 1)
	s := NewService(func(ctx context.Context, c engine.Correlation) error {
		fired <- c
		return nil
	})
	defer s.Shutdown()

	ctx := context.Background()
	if err := s.ScheduleTimerJob(ctx, corr("i-1"), time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelTimerJob(ctx, corr("i-1")); err != nil {
		t.Fatal(err)
	}
	// Cancelling a timer that isn't there is fine.
	if err := s.CancelTimerJob(ctx, corr("i-2")); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-fired:
		t.Fatalf("cancelled timer fired: %#v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimerReplace(t *testing.T) {
	fired := make(chan engine.Correlation, 2)
	s := NewService(func(ctx context.Context, c engine.Correlation) error {
		fired <- c
		return nil
	})
	defer s.Shutdown()

	ctx := context.Background()
	if err := s.ScheduleTimerJob(ctx, corr("i-1"), time.Now().Add(10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	// Rescheduling pushes the due time out; the first timer must not
	// fire.
	if err := s.ScheduleTimerJob(ctx, corr("i-1"), time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
		t.Fatal("fired before the rescheduled due time")
	case <-time.After(30 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("rescheduled timer never fired")
	}

	select {
	case c := <-fired:
		t.Fatalf("fired twice: %#v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerJobs(t *testing.T) {
	s := NewService(nil)
	defer s.Shutdown()

	ctx := context.Background()
	scope := expr.NewBindings().Extend("amount", 10)
	if err := s.CreateExternalWorkerJob(ctx, corr("i-1"), "payments", scope); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateExternalWorkerJob(ctx, corr("i-2"), "payments", nil); err != nil {
		t.Fatal(err)
	}

	job, err := s.ClaimJob("payments")
	if err != nil {
		t.Fatal(err)
	}
	if job.Correlation.SubScopeID != "i-1" {
		t.Fatalf("claimed %#v", job)
	}
	if job.Scope["amount"] != 10 {
		t.Fatalf("scope %#v", job.Scope)
	}

	job, err = s.ClaimJob("payments")
	if err != nil {
		t.Fatal(err)
	}
	if job.Correlation.SubScopeID != "i-2" {
		t.Fatalf("claimed %#v", job)
	}

	if _, err := s.ClaimJob("payments"); err != NotFound {
		t.Fatalf("wanted NotFound; got %v", err)
	}
	if _, err := s.ClaimJob("audits"); err != NotFound {
		t.Fatalf("wanted NotFound; got %v", err)
	}
}
