package logstore

import (
	"container/heap"
	"iter"
	"math"
	"time"
)

// Entry is one parsed log line.
type Entry struct {
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Line      string    `json:"-"`
}

// source walks one identity's entries from newest to oldest.
type source struct {
	entries []Entry
	pos     int
}

func (src *source) current() Entry { return src.entries[src.pos] }

// key orders the heap: the smallest key is the newest entry.
func (src *source) key() int64 {
	ts := src.current().Timestamp
	if ts.IsZero() {
		return math.MaxInt64
	}
	return -ts.UnixNano()
}

type sourceHeap []*source

func (h sourceHeap) Len() int           { return len(h) }
func (h sourceHeap) Less(i, j int) bool { return h[i].key() < h[j].key() }
func (h sourceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x any)        { *h = append(*h, x.(*source)) }
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Entries merges the logs of identifiers newest-first. Entries older than
// since (when non-zero) are skipped and at most limit entries (when
// positive) are produced. Sources are read when iteration starts.
func (s *Store) Entries(identifiers []string, logType LogType, since time.Time, limit int) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		h := make(sourceHeap, 0, len(identifiers))
		seen := make(map[string]struct{}, len(identifiers))
		for _, id := range identifiers {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			lines := s.Read(id, logType, 0)
			if len(lines) == 0 {
				continue
			}
			// newest first
			entries := make([]Entry, len(lines))
			for i, line := range lines {
				e := parseLine(line)
				e.Identity = id
				entries[len(lines)-1-i] = e
			}
			h = append(h, &source{entries: entries})
		}
		heap.Init(&h)

		produced := 0
		for h.Len() > 0 {
			src := h[0]
			e := src.current()
			if !since.IsZero() && e.Timestamp.Before(since) {
				// everything left in this source is older still
				heap.Pop(&h)
				continue
			}
			if !yield(e) {
				return
			}
			produced++
			if limit > 0 && produced >= limit {
				return
			}
			src.pos++
			if src.pos < len(src.entries) {
				heap.Fix(&h, 0)
			} else {
				heap.Pop(&h)
			}
		}
	}
}
