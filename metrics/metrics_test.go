package metrics_test

import (
	"sync"
	"testing"
	"time"

	"github.com/firasghr/GoEgressFleet/metrics"
)

func TestStats_OutcomeAccounting(t *testing.T) {
	s := metrics.New()
	s.RecordOutcome(true, "chrome-120-win", 1024, 50*time.Millisecond)
	s.RecordOutcome(true, "chrome-120-win", 2048, 60*time.Millisecond)
	s.RecordOutcome(false, "firefox-120-win", 0, 70*time.Millisecond)

	snap := s.Snapshot()
	if snap.TotalRequests != 3 || snap.SuccessCount != 2 || snap.FailedCount != 1 {
		t.Errorf("expected totals 3/2/1, got %d/%d/%d",
			snap.TotalRequests, snap.SuccessCount, snap.FailedCount)
	}
	if snap.BytesFetched != 3072 {
		t.Errorf("expected 3072 bytes, got %d", snap.BytesFetched)
	}
	if snap.PersonaUse["chrome-120-win"] != 2 || snap.PersonaUse["firefox-120-win"] != 1 {
		t.Errorf("unexpected persona usage %v", snap.PersonaUse)
	}
}

func TestStats_ErrorClassesCountPerAttempt(t *testing.T) {
	s := metrics.New()
	s.RecordError(metrics.Err429)
	s.RecordError(metrics.Err429)
	s.RecordError(metrics.Err5xx)
	s.RecordError(metrics.ErrTimeout)
	s.RecordError(metrics.ErrNetwork)
	s.RecordError(metrics.Err403)
	s.RecordError(metrics.Err503)
	// One terminal outcome despite seven attempt errors.
	s.RecordOutcome(false, "", 0, time.Millisecond)

	snap := s.Snapshot()
	if snap.Error429Count != 2 {
		t.Errorf("expected 2 429 errors, got %d", snap.Error429Count)
	}
	if snap.Error403Count != 1 || snap.Error503Count != 1 || snap.Error5xxCount != 1 {
		t.Errorf("expected one each of 403/503/5xx, got %d/%d/%d",
			snap.Error403Count, snap.Error503Count, snap.Error5xxCount)
	}
	if snap.TimeoutCount != 1 || snap.NetworkErrorCount != 1 {
		t.Errorf("expected one timeout and one network error, got %d/%d",
			snap.TimeoutCount, snap.NetworkErrorCount)
	}
	if snap.FailedCount != 1 {
		t.Errorf("expected a single terminal failure, got %d", snap.FailedCount)
	}
}

func TestStats_TotalEqualsSuccessPlusFailed(t *testing.T) {
	s := metrics.New()
	const goroutines = 500
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(n int) {
			defer wg.Done()
			s.RecordOutcome(n%3 != 0, "p", 1, time.Millisecond)
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot()
	if snap.TotalRequests != goroutines {
		t.Errorf("expected %d total, got %d", goroutines, snap.TotalRequests)
	}
	if snap.TotalRequests != snap.SuccessCount+snap.FailedCount {
		t.Errorf("total %d != success %d + failed %d",
			snap.TotalRequests, snap.SuccessCount, snap.FailedCount)
	}
}

func TestStats_RefreshAndRetryCounters(t *testing.T) {
	s := metrics.New()
	s.RecordSessionRefresh()
	s.RecordSessionRefresh()
	s.RecordRetry()
	s.RecordRejected("shutdown")

	snap := s.Snapshot()
	if snap.SessionRefreshes != 2 {
		t.Errorf("expected 2 refreshes, got %d", snap.SessionRefreshes)
	}
	if s.SessionRefreshes() != 2 {
		t.Errorf("expected accessor to agree, got %d", s.SessionRefreshes())
	}
	if snap.RetryCount != 1 || snap.RejectedCount != 1 {
		t.Errorf("expected 1 retry and 1 rejection, got %d/%d", snap.RetryCount, snap.RejectedCount)
	}
}
