package q931

import (
	"fmt"
	"sync"

	"github.com/carrierone/redfire-gateway/internal/logger"
)

// Manager owns every active Call on one D-channel endpoint and enforces
// spec §8 invariant 2: at most one active Call-Control SM per call
// reference value.
type Manager struct {
	mu     sync.Mutex
	calls  map[string]*Call
	sender Sender
	timers TimerConfig
	log    *logger.Logger
}

// NewManager constructs an empty call manager bound to sender.
func NewManager(sender Sender, timers TimerConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		calls:  make(map[string]*Call),
		sender: sender,
		timers: timers,
		log:    log,
	}
}

func key(ref CallRef) string { return string(ref.Value) }

// Sender returns the D-channel sender this manager's calls transmit on,
// for callers that need to answer call-reference-less messages (e.g. a
// STATUS ENQUIRY heartbeat) outside any one call's state machine.
func (mgr *Manager) Sender() Sender { return mgr.sender }

// Originate creates a new outbound Call with a caller-chosen call
// reference, failing if that reference is already in use.
func (mgr *Manager) Originate(ref CallRef) (*Call, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	k := key(ref)
	if _, exists := mgr.calls[k]; exists {
		return nil, fmt.Errorf("q931: call reference already in use")
	}

	c := NewCall(ref, true, mgr.sender, mgr.timers, mgr.log)
	mgr.calls[k] = c
	return c, nil
}

// HandleSetup dispatches an inbound SETUP. If the call reference
// collides with a call already in progress, the new SETUP is rejected
// per spec §4.D ("the side that did NOT originate the in-progress call
// rejects the new SETUP with RELEASE COMPLETE cause 81") and the
// existing call is left untouched.
func (mgr *Manager) HandleSetup(ref CallRef, m Message) (*Call, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	k := key(ref)
	if _, exists := mgr.calls[k]; exists {
		reject := NewCall(ref, false, mgr.sender, mgr.timers, mgr.log)
		reject.RejectCollision()
		return nil, fmt.Errorf("q931: call reference collision on %x", ref.Value)
	}

	c := NewCall(ref, false, mgr.sender, mgr.timers, mgr.log)
	mgr.calls[k] = c
	c.ReceiveSetup(m)
	return c, nil
}

// Lookup returns the Call for a reference, if any.
func (mgr *Manager) Lookup(ref CallRef) (*Call, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	c, ok := mgr.calls[key(ref)]
	return c, ok
}

// Free removes a call reference once its Call has cleared, returning it
// to the pool of references this D-channel may reuse.
func (mgr *Manager) Free(ref CallRef) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	delete(mgr.calls, key(ref))
}

// Count returns the number of calls currently tracked.
func (mgr *Manager) Count() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.calls)
}

// ResolveGlare implements the glare tie-break on a shared B-channel
// (spec §4.D): the side with the higher tie-break value (point code, or
// call reference value as a fallback ordinal) wins; the loser clears
// with cause 44.
func ResolveGlare(ourTieBreak, peerTieBreak uint32, ours *Call) (weWon bool) {
	weWon = ourTieBreak > peerTieBreak
	if !weWon {
		ours.ClearForGlare()
	}
	return weWon
}
