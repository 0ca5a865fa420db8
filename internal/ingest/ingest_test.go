package ingest

import (
	"testing"
	"time"
)

func TestSubmitRejectsMissingFields(t *testing.T) {
	e := New(Config{})
	_, _, err := e.Submit("tok", []Record{{Message: "no timestamp"}})
	if err != ErrMissingFields {
		t.Errorf("err = %v, want ErrMissingFields", err)
	}
}

func TestSubmitRejectsOversizedBatch(t *testing.T) {
	e := New(Config{BatchSizeLimit: 2})
	records := make([]Record, 3)
	for i := range records {
		records[i] = Record{Timestamp: time.Now(), Message: "x"}
	}
	_, _, err := e.Submit("tok", records)
	if err != ErrBatchTooLarge {
		t.Errorf("err = %v, want ErrBatchTooLarge", err)
	}
}

func TestSubmitDedupsWithinWindow(t *testing.T) {
	e := New(Config{DedupWindow: time.Minute, RateLimitCapacity: 1000})
	ts := time.Now()
	record := Record{Timestamp: ts, Message: "boom"}

	accepted1, outcome1, err := e.Submit("tok", []Record{record})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if outcome1.Accepted != 1 || outcome1.Duplicates != 0 {
		t.Errorf("outcome1 = %+v, want accepted=1 duplicates=0", outcome1)
	}
	if len(accepted1) != 1 {
		t.Fatalf("accepted1 len = %d, want 1", len(accepted1))
	}

	_, outcome2, err := e.Submit("tok", []Record{record})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if outcome2.Accepted != 0 || outcome2.Duplicates != 1 {
		t.Errorf("outcome2 = %+v, want accepted=0 duplicates=1", outcome2)
	}
}

func TestSubmitRateLimitsPerSource(t *testing.T) {
	e := New(Config{RateLimitCapacity: 2})
	records := []Record{
		{Timestamp: time.Now(), Message: "a"},
		{Timestamp: time.Now(), Message: "b"},
		{Timestamp: time.Now(), Message: "c"},
	}
	_, _, err := e.Submit("tok", records)
	if err != ErrRateLimited {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestSourceKeyPrefersToken(t *testing.T) {
	if got := SourceKey("abc", "1.2.3.4"); got != "abc" {
		t.Errorf("SourceKey() = %q, want abc", got)
	}
	if got := SourceKey("", "1.2.3.4"); got != "peer:1.2.3.4" {
		t.Errorf("SourceKey() = %q, want peer:1.2.3.4", got)
	}
}
