package relay

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"collabtext/internal/protocol"
)

// PresenceRecord is the ephemeral state one connection announced under a
// presence id.
type PresenceRecord struct {
	ID       string          `json:"id"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
	LastSeen time.Time       `json:"last_seen"`
	ConnID   string          `json:"conn_id"`

	owner *Conn
}

// presenceTable holds the records of one room. Only the owning connection
// may overwrite or remove a record.
type presenceTable struct {
	mu      sync.Mutex
	records map[string]*PresenceRecord
}

func newPresenceTable() *presenceTable {
	return &presenceTable{records: make(map[string]*PresenceRecord)}
}

// apply merges entries sent by c and returns the diff to broadcast.
// Records owned by other connections are skipped and reported in denied.
func (t *presenceTable) apply(c *Conn, entries []protocol.PresenceEntry, now time.Time) (diff []protocol.PresenceEntry, denied []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		rec, ok := t.records[e.ID]
		if ok && rec.owner != c && !(e.Removed() && sameActor(rec.owner, c)) {
			denied = append(denied, e.ID)
			continue
		}
		if e.Removed() {
			if ok {
				t.deleteLocked(rec)
				diff = append(diff, protocol.PresenceEntry{ID: e.ID, Clock: max(e.Clock, rec.Clock+1)})
			}
			continue
		}
		if !ok {
			rec = &PresenceRecord{ID: e.ID, ConnID: c.ID, owner: c}
			t.records[e.ID] = rec
			c.owned[e.ID] = struct{}{}
			presenceRecords.Inc()
		} else if e.Clock < rec.Clock {
			continue
		}
		changed := !ok || !bytes.Equal(rec.State, e.State)
		rec.Clock = e.Clock
		rec.State = e.State
		rec.LastSeen = now
		if changed {
			diff = append(diff, protocol.PresenceEntry{ID: rec.ID, Clock: rec.Clock, State: rec.State})
		}
	}
	return diff, denied
}

// sameActor lets a reconnecting replica retire the records of its previous
// connection before that connection times out.
func sameActor(a, b *Conn) bool {
	return a.Actor != "" && a.Actor == b.Actor
}

func (t *presenceTable) deleteLocked(rec *PresenceRecord) {
	delete(t.records, rec.ID)
	delete(rec.owner.owned, rec.ID)
	presenceRecords.Dec()
}

func tombstone(rec *PresenceRecord) protocol.PresenceEntry {
	return protocol.PresenceEntry{ID: rec.ID, Clock: rec.Clock + 1}
}

// removeOwned drops every record of c and returns their tombstones.
func (t *presenceTable) removeOwned(c *Conn) []protocol.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var diff []protocol.PresenceEntry
	for id := range c.owned {
		if rec, ok := t.records[id]; ok {
			diff = append(diff, tombstone(rec))
			t.deleteLocked(rec)
		}
	}
	sortEntries(diff)
	return diff
}

// expire drops records not refreshed since now-timeout.
func (t *presenceTable) expire(now time.Time, timeout time.Duration) []protocol.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var diff []protocol.PresenceEntry
	for _, rec := range t.records {
		if now.Sub(rec.LastSeen) > timeout {
			diff = append(diff, tombstone(rec))
			t.deleteLocked(rec)
		}
	}
	sortEntries(diff)
	return diff
}

// snapshot returns every live record as presence entries.
func (t *presenceTable) snapshot() []protocol.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.PresenceEntry, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, protocol.PresenceEntry{ID: rec.ID, Clock: rec.Clock, State: rec.State})
	}
	sortEntries(out)
	return out
}

func (t *presenceTable) list() []PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PresenceRecord, 0, len(t.records))
	for _, rec := range t.records {
		r := *rec
		r.owner = nil
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *presenceTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records {
		t.deleteLocked(rec)
	}
}

func sortEntries(entries []protocol.PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
