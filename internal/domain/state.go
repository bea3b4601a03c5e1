package domain

import (
	"encoding/json"
	"time"
)

// DefaultSeenCapacity is the dedup window size used when none is configured.
// It must stay above the largest page the X API returns (100).
const DefaultSeenCapacity = 200

// PersistedState is the durable monitoring state of one account.
//
// Cursor, when set, is the highest id ever observed for the account. Seen is
// the authoritative dedup guard; Cursor only bounds what has to be fetched.
type PersistedState struct {
	AccountID   string     `json:"account_id,omitempty"`
	Cursor      PostID     `json:"cursor,omitempty"`
	Seen        SeenWindow `json:"seen_ids"`
	TotalCount  int        `json:"total_count"`
	LastUpdated time.Time  `json:"last_updated"`
}

// HasCursor reports whether the account has been observed at least once.
func (s PersistedState) HasCursor() bool { return !s.Cursor.IsZero() }

// Clone returns a deep copy so a cycle can mutate it without touching the
// caller's value.
func (s PersistedState) Clone() PersistedState {
	cp := s
	cp.Seen = s.Seen.Clone()
	return cp
}

// IsDuplicate reports whether id was already observed.
func (s PersistedState) IsDuplicate(id PostID) bool {
	if s.HasCursor() && id <= s.Cursor {
		return true
	}
	return s.Seen.Contains(id)
}

// SeenWindow is a bounded set of post ids that evicts the oldest inserted id
// once its capacity is exceeded. The zero value is usable with
// DefaultSeenCapacity.
type SeenWindow struct {
	capacity int
	order    []PostID
	index    map[PostID]struct{}
}

// NewSeenWindow returns an empty window holding at most capacity ids.
func NewSeenWindow(capacity int) SeenWindow {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return SeenWindow{capacity: capacity}
}

// Capacity returns the configured bound.
func (w SeenWindow) Capacity() int {
	if w.capacity <= 0 {
		return DefaultSeenCapacity
	}
	return w.capacity
}

// SetCapacity changes the bound, evicting the oldest ids if needed.
func (w *SeenWindow) SetCapacity(capacity int) {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	w.capacity = capacity
	w.evict()
}

// Len returns the number of ids held.
func (w SeenWindow) Len() int { return len(w.order) }

// Contains reports whether id is in the window.
func (w SeenWindow) Contains(id PostID) bool {
	if w.index == nil {
		for _, v := range w.order {
			if v == id {
				return true
			}
		}
		return false
	}
	_, ok := w.index[id]
	return ok
}

// Add inserts id. Adding an id already present is a no-op.
func (w *SeenWindow) Add(id PostID) {
	if w.index == nil {
		w.rebuildIndex()
	}
	if _, ok := w.index[id]; ok {
		return
	}
	w.order = append(w.order, id)
	w.index[id] = struct{}{}
	w.evict()
}

// IDs returns the ids oldest first.
func (w SeenWindow) IDs() []PostID {
	out := make([]PostID, len(w.order))
	copy(out, w.order)
	return out
}

// Clone returns an independent copy.
func (w SeenWindow) Clone() SeenWindow {
	cp := SeenWindow{capacity: w.capacity, order: w.IDs()}
	cp.rebuildIndex()
	return cp
}

func (w *SeenWindow) evict() {
	limit := w.Capacity()
	if len(w.order) <= limit {
		return
	}
	drop := len(w.order) - limit
	for _, id := range w.order[:drop] {
		delete(w.index, id)
	}
	w.order = append([]PostID(nil), w.order[drop:]...)
}

func (w *SeenWindow) rebuildIndex() {
	w.index = make(map[PostID]struct{}, len(w.order))
	for _, id := range w.order {
		w.index[id] = struct{}{}
	}
}

// MarshalJSON encodes the window as an array of ids, oldest first.
func (w SeenWindow) MarshalJSON() ([]byte, error) {
	ids := w.order
	if ids == nil {
		ids = []PostID{}
	}
	return json.Marshal(ids)
}

// UnmarshalJSON decodes an array of ids. The capacity is left for the
// caller to set; decoding never evicts.
func (w *SeenWindow) UnmarshalJSON(b []byte) error {
	var ids []PostID
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	w.order = ids
	w.rebuildIndex()
	return nil
}
