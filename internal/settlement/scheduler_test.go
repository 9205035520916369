package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/model"
)

type blockingBatcher struct {
	started chan model.Date
	release chan struct{}
}

func (b *blockingBatcher) SettleAll(_ context.Context, today model.Date) (Summary, error) {
	b.started <- today
	<-b.release
	return Summary{Date: today}, nil
}

func TestScheduler_UsesLocalDate(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	b := &blockingBatcher{started: make(chan model.Date, 1), release: make(chan struct{})}
	close(b.release)

	s, err := NewScheduler(b, "30 23 * * *", loc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 20:00 UTC is 01:30 the next day in Kolkata.
	s.now = func() time.Time { return time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC) }

	sum, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("expected run, got %v", err)
	}
	want := model.Date{Year: 2024, Month: 3, Day: 11}
	if sum.Date != want || <-b.started != want {
		t.Errorf("expected date %s, got %s", want, sum.Date)
	}
}

func TestScheduler_SkipsOverlappingRun(t *testing.T) {
	b := &blockingBatcher{started: make(chan model.Date, 1), release: make(chan struct{})}
	s, err := NewScheduler(b, "@daily", time.UTC, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := s.RunNow(context.Background()); err != nil {
			t.Errorf("first run should execute: %v", err)
		}
	}()
	<-b.started

	_, err = s.RunFor(context.Background(), model.Date{Year: 2024, Month: 1, Day: 1})
	if !errors.Is(err, ErrBatchRunning) || !errors.Is(err, apperr.ErrConcurrencyConflict) {
		t.Errorf("overlapping run should be rejected, got %v", err)
	}
	close(b.release)
	wg.Wait()

	// Free again once the first run finished.
	b.release = make(chan struct{})
	close(b.release)
	if _, err := s.RunNow(context.Background()); err != nil {
		t.Errorf("run after completion should execute: %v", err)
	}
	<-b.started
}

func TestNewScheduler_EmptySpecIsManualOnly(t *testing.T) {
	b := &blockingBatcher{started: make(chan model.Date, 1), release: make(chan struct{})}
	close(b.release)
	s, err := NewScheduler(b, "", time.UTC, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(s.cron.Entries()); n != 0 {
		t.Errorf("expected no scheduled entries, got %d", n)
	}
	day := model.Date{Year: 2024, Month: 5, Day: 1}
	sum, err := s.RunFor(context.Background(), day)
	if err != nil || sum.Date != day || <-b.started != day {
		t.Errorf("expected manual run for %s, got %+v, %v", day, sum, err)
	}
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	if _, err := NewScheduler(&blockingBatcher{}, "not a cron", time.UTC, nil); err == nil {
		t.Error("expected parse error")
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("A")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 increments, got %d", counter)
	}
	if k.size() != 0 {
		t.Errorf("expected no retained locks, got %d", k.size())
	}
}
