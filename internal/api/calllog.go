package api

import (
	"sync"
	"time"
)

// DefaultCallLogSize bounds the in-memory call history.
const DefaultCallLogSize = 1000

// CallRecord is one call placed through the API.
type CallRecord struct {
	CallSID          string    `json:"call_sid"`
	BrandID          string    `json:"brand_id"`
	Driver           string    `json:"driver"`
	Provider         string    `json:"provider"`
	From             string    `json:"from"`
	To               string    `json:"to"`
	Status           string    `json:"status"`
	AttestationLevel string    `json:"attestation_level,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CallLog keeps the most recent calls in a fixed-size ring. The oldest record
// is dropped when the ring is full.
type CallLog struct {
	mu    sync.RWMutex
	ring  []CallRecord
	next  int
	full  bool
	index map[string]int
}

func NewCallLog(size int) *CallLog {
	if size <= 0 {
		size = DefaultCallLogSize
	}
	return &CallLog{ring: make([]CallRecord, size), index: make(map[string]int, size)}
}

func (l *CallLog) Add(rec CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pos, ok := l.index[rec.CallSID]; ok {
		l.ring[pos] = rec
		return
	}
	if l.full {
		delete(l.index, l.ring[l.next].CallSID)
	}
	l.ring[l.next] = rec
	l.index[rec.CallSID] = l.next
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
}

func (l *CallLog) Get(sid string) (CallRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.index[sid]
	if !ok {
		return CallRecord{}, false
	}
	return l.ring[pos], true
}

// UpdateStatus records a status change. Unknown SIDs are ignored.
func (l *CallLog) UpdateStatus(sid, status string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.index[sid]
	if !ok || status == "" {
		return false
	}
	l.ring[pos].Status = status
	l.ring[pos].UpdatedAt = at
	return true
}

// List returns up to limit of the brand's calls, newest first.
func (l *CallLog) List(brandID string, limit int) []CallRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.ring)
	}
	out := make([]CallRecord, 0)
	for i := 1; i <= size; i++ {
		rec := l.ring[(l.next-i+len(l.ring))%len(l.ring)]
		if rec.BrandID != brandID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
