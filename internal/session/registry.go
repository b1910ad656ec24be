// Package session implements the Session Registry (spec §4.H): the
// four-way correlation between a Q.931 call reference, an ISUP CIC, a
// SIP Call-ID and a local RTP port pair.
package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// KeyKind identifies one of the four correlation slots.
type KeyKind int

const (
	KeyCallRef KeyKind = iota
	KeyCIC
	KeySIPCallID
	KeyRTPPort
)

func (k KeyKind) String() string {
	switch k {
	case KeyCallRef:
		return "CallRef"
	case KeyCIC:
		return "CIC"
	case KeySIPCallID:
		return "SIPCallID"
	case KeyRTPPort:
		return "RTPPort"
	default:
		return "unknown"
	}
}

type key struct {
	kind  KeyKind
	value string
}

// Record is one correlated call; Insert atomically claims every non-empty
// key below. All fields are immutable after Insert.
type Record struct {
	ID        string
	CallRef   string // empty if not (yet) assigned
	CIC       uint16 // 0 if not allocated
	HasCIC    bool
	SIPCallID string
	RTPPort   uint16
	HasRTPPort bool

	released map[KeyKind]bool
}

func (r *Record) keys() []key {
	var ks []key
	if r.CallRef != "" {
		ks = append(ks, key{KeyCallRef, r.CallRef})
	}
	if r.HasCIC {
		ks = append(ks, key{KeyCIC, fmt.Sprintf("%d", r.CIC)})
	}
	if r.SIPCallID != "" {
		ks = append(ks, key{KeySIPCallID, r.SIPCallID})
	}
	if r.HasRTPPort {
		ks = append(ks, key{KeyRTPPort, fmt.Sprintf("%d", r.RTPPort)})
	}
	return ks
}

// ErrKeyCollision is returned by Insert when any key already names an
// existing record; no partial state is left behind (spec §4.H, §8
// scenario 6).
var ErrKeyCollision = fmt.Errorf("session: key collision")

// Registry owns every active Record, guarded by a single lock held only
// for the duration of one operation (spec §5 "Shared resources").
type Registry struct {
	mu      sync.Mutex
	byKey   map[key]*Record
	records map[string]*Record
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:   make(map[key]*Record),
		records: make(map[string]*Record),
	}
}

// NewRecord allocates an ID for a session about to be inserted; callers
// fill in whichever keys they already know and call Insert.
func NewRecord() *Record {
	return &Record{ID: uuid.NewString(), released: make(map[KeyKind]bool)}
}

// Insert atomically claims every non-empty key on rec. On collision, no
// field of any existing record is mutated and no key is consumed (spec
// §8 scenario 6).
func (reg *Registry) Insert(rec *Record) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	ks := rec.keys()
	for _, k := range ks {
		if _, exists := reg.byKey[k]; exists {
			return ErrKeyCollision
		}
	}

	if rec.released == nil {
		rec.released = make(map[KeyKind]bool)
	}
	for _, k := range ks {
		reg.byKey[k] = rec
	}
	reg.records[rec.ID] = rec
	return nil
}

// Lookup finds the record owning the given key, if any.
func (reg *Registry) Lookup(kind KeyKind, value string) (*Record, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.byKey[key{kind, value}]
	return r, ok
}

// Release drops one key from a record. The record itself is removed
// only once every key it was inserted with has been released (spec
// §4.H: "reference-counted across the four slots").
func (reg *Registry) Release(kind KeyKind, value string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	k := key{kind, value}
	rec, ok := reg.byKey[k]
	if !ok {
		return fmt.Errorf("session: no record for key %s=%s", kind, value)
	}

	delete(reg.byKey, k)
	rec.released[kind] = true

	allReleased := true
	for _, rk := range rec.keys() {
		if !rec.released[rk.kind] {
			allReleased = false
			break
		}
	}
	if allReleased {
		delete(reg.records, rec.ID)
	}
	return nil
}

// ReleaseRecord releases every key rec was inserted with, removing it
// from the registry once the last one drops. Unlike releasing keys one
// at a time, a failure on one key does not stop the rest from being
// released: callers tearing down a whole call (e.g. a dropped call
// reference implicitly cancelling its timers and flushing its queued
// messages, spec §5) want every remaining key freed even if one was
// already released earlier. Every failure is aggregated into a single
// error rather than only the first.
func (reg *Registry) ReleaseRecord(rec *Record) error {
	var result *multierror.Error
	for _, k := range rec.keys() {
		if err := reg.Release(k.kind, k.value); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Count returns the number of live records.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.records)
}
