package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("sync", "* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("sync", DefaultSyncSchedule, func() {}); err != nil {
		t.Errorf("Expected descriptor to parse, got %v", err)
	}
	if err := s.AddJob("bad", "every now and then", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if s.Next("sync").IsZero() {
		t.Error("Expected a next run for sync")
	}
	if !s.Next("bad").IsZero() {
		t.Error("Invalid job should not be scheduled")
	}
}

func TestSchedulerReplaceAndRemove(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	s.AddJob("sync", "@every 1h", func() {})
	first := s.Next("sync")
	s.AddJob("sync", "@every 2h", func() {})
	if !s.Next("sync").After(first) {
		t.Error("Expected the replacement schedule to run later")
	}
	if got := len(s.cron.Entries()); got != 1 {
		t.Errorf("Expected 1 entry after replacement, got %d", got)
	}
	s.RemoveJob("sync")
	s.RemoveJob("missing")
	if !s.Next("sync").IsZero() || len(s.cron.Entries()) != 0 {
		t.Error("Expected job to be removed")
	}
}

func TestSchedulerRunsJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs atomic.Int32
	if err := s.AddJob("tick", "@every 1s", func() { runs.Add(1) }); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Error("Expected the job to run within 3s")
	}
}
