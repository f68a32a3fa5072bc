package engine

import (
	"sync"
	"time"
)

// DebugEvent records one engine decision: an option drop, a device
// downgrade, a VAD retry, a tier fallback.
type DebugEvent struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// DebugRing is a bounded ring of recent engine decisions.
type DebugRing struct {
	mu    sync.Mutex
	buf   []DebugEvent
	next  int
	full  bool
	limit int
}

func NewDebugRing(limit int) *DebugRing {
	if limit < 1 {
		limit = 1
	}
	return &DebugRing{buf: make([]DebugEvent, limit), limit: limit}
}

func (r *DebugRing) Add(kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = DebugEvent{Time: time.Now().UTC(), Kind: kind, Detail: detail}
	r.next = (r.next + 1) % r.limit
	if r.next == 0 {
		r.full = true
	}
}

// Events returns the buffered events oldest first.
func (r *DebugRing) Events() []DebugEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]DebugEvent, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]DebugEvent, 0, r.limit)
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
