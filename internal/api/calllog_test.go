package api_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/brandcall/voicecore/internal/api"
)

func TestCallLogEvictsOldest(t *testing.T) {
	log := api.NewCallLog(3)
	for i := 0; i < 5; i++ {
		log.Add(api.CallRecord{CallSID: fmt.Sprintf("CA-%d", i), BrandID: "acme"})
	}

	if _, ok := log.Get("CA-1"); ok {
		t.Fatalf("expected CA-1 to be evicted")
	}
	got := log.List("acme", 0)
	if len(got) != 3 || got[0].CallSID != "CA-4" || got[2].CallSID != "CA-2" {
		t.Fatalf("unexpected ring contents %+v", got)
	}
}

func TestCallLogUpdateStatus(t *testing.T) {
	log := api.NewCallLog(0)
	log.Add(api.CallRecord{CallSID: "CA-1", BrandID: "acme", Status: "queued"})

	at := time.Unix(1_700_000_000, 0)
	if !log.UpdateStatus("CA-1", "ringing", at) {
		t.Fatalf("expected update")
	}
	if log.UpdateStatus("CA-404", "ringing", at) || log.UpdateStatus("CA-1", "", at) {
		t.Fatalf("unknown sid and empty status must be ignored")
	}
	rec, _ := log.Get("CA-1")
	if rec.Status != "ringing" || !rec.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected record %+v", rec)
	}

	// Re-adding an existing sid replaces in place.
	log.Add(api.CallRecord{CallSID: "CA-1", BrandID: "acme", Status: "completed"})
	if got := log.List("acme", 0); len(got) != 1 || got[0].Status != "completed" {
		t.Fatalf("unexpected list %+v", got)
	}
	if got := log.List("northwind", 0); len(got) != 0 {
		t.Fatalf("expected no calls for other brands")
	}
}
