// Package nfas implements the Non-Facility Associated Signaling manager
// (spec §4.F): it groups multiple per-span LAPD engines into one logical
// D-channel, with primary/backup election, heartbeat supervision and
// automatic switchover on link failure.
package nfas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/carrierone/redfire-gateway/internal/lapd"
	"github.com/carrierone/redfire-gateway/internal/logger"
	"github.com/carrierone/redfire-gateway/internal/q931"
	"github.com/carrierone/redfire-gateway/internal/task"
)

var validate = validator.New()

// GroupState is the NFAS group's own lifecycle state, distinct from any
// one member engine's link state (spec §3 "NFAS group").
type GroupState int

const (
	StateInactive GroupState = iota
	StateActive
	StateSwitching
)

func (s GroupState) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateActive:
		return "Active"
	case StateSwitching:
		return "Switching"
	default:
		return "unknown"
	}
}

// SwitchoverReason tags why a switchover was triggered (spec §4.F step 1).
type SwitchoverReason int

const (
	ReasonLinkError SwitchoverReason = iota
	ReasonHeartbeatFailure
	ReasonForced
)

func (r SwitchoverReason) String() string {
	switch r {
	case ReasonLinkError:
		return "LinkError"
	case ReasonHeartbeatFailure:
		return "HeartbeatFailure"
	case ReasonForced:
		return "Forced"
	default:
		return "unknown"
	}
}

// EventKind tags the events a Group surfaces upward (design note "dynamic
// dispatch on event names": a tagged variant, not a string-keyed callback).
type EventKind int

const (
	EventSwitchoverCompleted EventKind = iota
	EventGroupInactive
	EventQueueOverflow
)

// Event is the typed payload for Group.Events().
type Event struct {
	Kind     EventKind
	FromSpan string
	ToSpan   string
	Reason   SwitchoverReason
}

// Config configures one NFAS group.
type Config struct {
	GroupID                   string        `validate:"required"`
	HeartbeatInterval         time.Duration `validate:"required"`
	SwitchoverTimeout         time.Duration `validate:"required"`
	HeartbeatFailureThreshold int           `validate:"min=1"`
	MaxSwitchoverAttempts     int           `validate:"min=1"`
	QueueSize                 int           `validate:"min=1"`
}

// DefaultConfig returns sane defaults for groupID (spec §8 scenario 2:
// switchoverTimeout default 5s).
func DefaultConfig(groupID string) Config {
	return Config{
		GroupID:                   groupID,
		HeartbeatInterval:         30 * time.Second,
		SwitchoverTimeout:         5 * time.Second,
		HeartbeatFailureThreshold: 3,
		MaxSwitchoverAttempts:     1,
		QueueSize:                 64,
	}
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SwitchoverTimeout == 0 {
		c.SwitchoverTimeout = 5 * time.Second
	}
	if c.HeartbeatFailureThreshold == 0 {
		c.HeartbeatFailureThreshold = 3
	}
	if c.MaxSwitchoverAttempts == 0 {
		c.MaxSwitchoverAttempts = 1
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	return c
}

// span is one member engine, in group priority order ([0] is primary).
type span struct {
	engine *lapd.Engine
	label  string
	failed bool
}

// ErrNoSpans is returned by NewGroup when the group has no member engines (spec §8 "Empty D-channel list ... rejects
// start with a config error").
var ErrNoSpans = fmt.Errorf("nfas: group requires at least one span")

// Group owns every per-span LAPD engine backing one logical D-channel
// (spec §4.F).
type Group struct {
	mu    sync.Mutex
	cfg   Config
	log   *logger.Logger
	spans []*span

	activeIdx int
	state     GroupState

	switchoverCount  int
	heartbeatsSent   int
	heartbeatsLost   int
	callsHandled     int
	lastSwitchover   time.Time
	consecutiveLosts int

	queue [][]byte

	events    chan Event
	cmds      chan func()
	heartbeat *task.Timer
	fanIn     chan spanEvent
	payloads  chan []byte
}

// NewGroup constructs a Group over spans in priority order: spans[0] is
// primary, the rest are backups. A single-member group is valid (spec
// §8: "single-member group never switches over").
func NewGroup(cfg Config, spans []*lapd.Engine, log *logger.Logger) (*Group, error) {
	if len(spans) == 0 {
		return nil, ErrNoSpans
	}
	cfg = cfg.withDefaults()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("nfas: invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	g := &Group{
		cfg:       cfg,
		log:       log.With(logger.Ctx{"group": cfg.GroupID}),
		state:     StateInactive,
		events:    make(chan Event, 16),
		cmds:      make(chan func(), 8),
		heartbeat: task.NewTimer(cfg.HeartbeatInterval),
		payloads:  make(chan []byte, 64),
	}
	for i, e := range spans {
		label := fmt.Sprintf("span%d", i)
		if i == 0 {
			label = "primary"
		}
		g.spans = append(g.spans, &span{engine: e, label: label})
	}
	return g, nil
}

// Engines returns the member engines in priority order ([0] is primary),
// so a supervisor can pump each one's HAL frame source independently;
// the Group itself only fans in their event streams (spec §5: each
// engine is single-task and owns its own frameIn).
func (g *Group) Engines() []*lapd.Engine {
	out := make([]*lapd.Engine, len(g.spans))
	for i, s := range g.spans {
		out[i] = s.engine
	}
	return out
}

// Events returns the channel of SwitchoverCompleted / GroupInactive /
// QueueOverflow events.
func (g *Group) Events() <-chan Event { return g.events }

// Payloads returns the channel of I-frame information fields delivered
// by whichever span is currently active, so the Q.931 layer above this
// group sees one logical upstream regardless of switchovers (spec §4.F:
// "presents a single D-channel endpoint upstream").
func (g *Group) Payloads() <-chan []byte { return g.payloads }

func (g *Group) emit(ev Event) {
	select {
	case g.events <- ev:
	default:
		g.log.Warn("nfas event channel full, dropping event", logger.Ctx{"kind": ev.Kind})
	}
}

// State returns the group's current lifecycle state.
func (g *Group) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Stats is a snapshot of the group's counters (spec §3 "counters
// {switchovers, heartbeats sent/lost, calls handled}").
type Stats struct {
	Switchovers     int
	HeartbeatsSent  int
	HeartbeatsLost  int
	CallsHandled    int
	LastSwitchover  time.Time
	ActiveSpanLabel string
}

// Stats returns a snapshot of the group's counters.
func (g *Group) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	label := ""
	if g.activeIdx < len(g.spans) {
		label = g.spans[g.activeIdx].label
	}
	return Stats{
		Switchovers:     g.switchoverCount,
		HeartbeatsSent:  g.heartbeatsSent,
		HeartbeatsLost:  g.heartbeatsLost,
		CallsHandled:    g.callsHandled,
		LastSwitchover:  g.lastSwitchover,
		ActiveSpanLabel: label,
	}
}

// RecordCallHandled increments the calls-handled counter; the gateway
// supervisor calls this once per call that crossed this group's D-channel.
func (g *Group) RecordCallHandled() {
	g.mu.Lock()
	g.callsHandled++
	g.mu.Unlock()
}

// SendMessage implements q931.Sender: it routes m onto the active span,
// or queues it (bounded, spec §4.F) while a switchover is in progress.
func (g *Group) SendMessage(m q931.Message) error {
	octets, err := q931.Encode(m)
	if err != nil {
		return fmt.Errorf("nfas: failed to encode outbound message: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateActive:
		return doSendInfo(g.spans[g.activeIdx].engine, octets)
	case StateSwitching:
		if len(g.queue) >= g.cfg.QueueSize {
			g.queue = g.queue[1:]
			g.emit(Event{Kind: EventQueueOverflow})
		}
		g.queue = append(g.queue, octets)
		return nil
	default:
		return fmt.Errorf("nfas: group %q has no active span", g.cfg.GroupID)
	}
}

// ForceSwitchover requests an operator-triggered switchover. target, if
// non-negative, names the span index to prefer first; -1 lets the normal
// candidate order decide.
func (g *Group) ForceSwitchover(target int) {
	done := make(chan struct{})
	g.cmds <- func() {
		g.doSwitchover(ReasonForced, g.activeIdx, target)
		close(done)
	}
	<-done
}

type spanEvent struct {
	idx int
	ev  lapd.Event
}

// doStart and doSendInfo route a mutating engine call through Engine.Do,
// since the Group's supervisor goroutine is not that engine's owning
// task (spec §5 "single owning goroutine" discipline).
func doStart(e *lapd.Engine) {
	e.Do(func() { e.Start() })
}

func doSendInfo(e *lapd.Engine, octets []byte) error {
	var err error
	e.Do(func() { err = e.SendInfo(octets) })
	return err
}

// Run starts the primary span and drives the group's supervisory loop
// (heartbeat dispatch, link-failure detection, switchover) until ctx is
// cancelled. One Group occupies one supervisor goroutine, per spec §5.
func (g *Group) Run(ctx context.Context) {
	fanIn := make(chan spanEvent, 64)
	g.fanIn = fanIn
	eg, egCtx := errgroup.WithContext(ctx)
	for i, s := range g.spans {
		idx, s := i, s
		eg.Go(func() error {
			for {
				select {
				case <-egCtx.Done():
					return nil
				case ev, ok := <-s.engine.Events():
					if !ok {
						return nil
					}
					select {
					case fanIn <- spanEvent{idx: idx, ev: ev}:
					case <-egCtx.Done():
						return nil
					}
				}
			}
		})
	}
	defer eg.Wait() //nolint:errcheck // per-span pump goroutines never return a non-nil error

	g.mu.Lock()
	doStart(g.spans[0].engine)
	g.mu.Unlock()

	g.heartbeat.Start()

	for {
		select {
		case <-ctx.Done():
			return
		case se := <-fanIn:
			g.handleSpanEvent(se)
		case <-g.heartbeat.C:
			g.heartbeat.Fired()
			g.handleHeartbeatTick()
			g.heartbeat.Start()
		case cmd := <-g.cmds:
			cmd()
		}
	}
}

func (g *Group) handleSpanEvent(se spanEvent) {
	g.mu.Lock()
	needSwitchover := false
	switch se.ev.Kind {
	case lapd.EventEstablished:
		if g.state == StateInactive && se.idx == 0 {
			g.state = StateActive
			g.activeIdx = 0
			g.log.Info("nfas group active", logger.Ctx{"span": g.spans[0].label})
		}
	case lapd.EventError, lapd.EventReleased:
		needSwitchover = g.state == StateActive && se.idx == g.activeIdx
	case lapd.EventPayload:
		if g.state == StateActive && se.idx == g.activeIdx {
			select {
			case g.payloads <- se.ev.Payload:
			default:
				g.log.Warn("nfas payload channel full, dropping inbound Q.931 message")
			}
		}
	}
	g.mu.Unlock()

	if needSwitchover {
		g.doSwitchover(ReasonLinkError, se.idx, -1)
	}
}

// handleHeartbeatTick sends a Q.931 STATUS ENQUIRY over the active span as
// the link-health poll (spec §4.F; design note prefers this over raw
// Q.921 RR(P=1) only where SIGTRAN/Q.931 interop requires it — see
// DESIGN.md Open Question resolution).
func (g *Group) handleHeartbeatTick() {
	g.mu.Lock()
	state := g.state
	var activeSpan *span
	if state == StateActive {
		activeSpan = g.spans[g.activeIdx]
	}
	g.mu.Unlock()

	if activeSpan == nil {
		return
	}

	msg := q931.Message{MessageType: q931.MsgStatusEnquiry}
	octets, err := q931.Encode(msg)
	dispatchFailed := err != nil
	if !dispatchFailed {
		dispatchFailed = doSendInfo(activeSpan.engine, octets) != nil
	}
	if activeSpan.engine.State() != lapd.StateEstablished {
		dispatchFailed = true
	}

	g.mu.Lock()
	g.heartbeatsSent++
	if dispatchFailed {
		g.heartbeatsLost++
		g.consecutiveLosts++
	} else {
		g.consecutiveLosts = 0
	}
	shouldSwitch := dispatchFailed && g.consecutiveLosts >= g.cfg.HeartbeatFailureThreshold && g.state == StateActive
	activeIdx := g.activeIdx
	g.mu.Unlock()

	if shouldSwitch {
		g.doSwitchover(ReasonHeartbeatFailure, activeIdx, -1)
	}
}

// doSwitchover runs the candidate sweep (spec §4.F steps 2-5). Caller must
// not hold g.mu; it is taken and released internally, with the blocking
// establishment wait (which can take up to SwitchoverTimeout per
// candidate) performed without the lock held.
func (g *Group) doSwitchover(reason SwitchoverReason, failedIdx, preferred int) {
	g.mu.Lock()
	if g.state == StateSwitching {
		g.mu.Unlock()
		return
	}
	g.state = StateSwitching
	g.spans[failedIdx].failed = true
	fromLabel := g.spans[failedIdx].label
	order := g.candidateOrder(failedIdx, preferred)
	g.mu.Unlock()

	g.log.Warn("nfas switchover triggered", logger.Ctx{"from": fromLabel, "reason": reason})

	for attempt := 0; attempt < g.cfg.MaxSwitchoverAttempts; attempt++ {
		if attempt > 0 {
			// Each new round gives the candidates that failed in the
			// previous round another try.
			g.mu.Lock()
			for _, idx := range order {
				g.spans[idx].failed = false
			}
			g.mu.Unlock()
		}
		for _, idx := range order {
			g.mu.Lock()
			candidate := g.spans[idx]
			alreadyFailed := candidate.failed
			g.mu.Unlock()
			if alreadyFailed {
				continue
			}

			doStart(candidate.engine)
			established := g.awaitEstablished(idx, g.cfg.SwitchoverTimeout)
			if established {
				g.completeSwitchover(idx, fromLabel, reason)
				return
			}

			g.mu.Lock()
			candidate.failed = true
			g.mu.Unlock()
		}
	}

	g.mu.Lock()
	g.state = StateInactive
	for _, s := range g.spans {
		s.failed = false
	}
	g.mu.Unlock()
	g.emit(Event{Kind: EventGroupInactive, FromSpan: fromLabel, Reason: reason})
	g.log.Error("nfas group exhausted switchover candidates", logger.Ctx{"group": g.cfg.GroupID})
}

// candidateOrder returns span indices to try, in [primary, backup1, ...]
// order, skipping failedIdx, with preferred (if >= 0 and not failedIdx)
// moved to the front.
func (g *Group) candidateOrder(failedIdx, preferred int) []int {
	var order []int
	if preferred >= 0 && preferred != failedIdx && preferred < len(g.spans) {
		order = append(order, preferred)
	}
	for i := range g.spans {
		if i == failedIdx || i == preferred {
			continue
		}
		order = append(order, i)
	}
	return order
}

// awaitEstablished blocks (without g.mu held), consuming the shared
// fan-in channel, until the candidate span at idx emits Established, or
// timeout elapses. Events from other spans observed in the meantime are
// not re-delivered; they concern spans not under consideration during
// this attempt.
func (g *Group) awaitEstablished(idx int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case se := <-g.fanIn:
			if se.idx != idx {
				continue
			}
			if se.ev.Kind == lapd.EventEstablished {
				return true
			}
			if se.ev.Kind == lapd.EventError {
				return false
			}
		case <-deadline.C:
			return false
		}
	}
}

func (g *Group) completeSwitchover(newIdx int, fromLabel string, reason SwitchoverReason) {
	g.mu.Lock()
	g.activeIdx = newIdx
	g.state = StateActive
	g.switchoverCount++
	g.lastSwitchover = time.Now()
	toLabel := g.spans[newIdx].label
	pending := g.queue
	g.queue = nil
	activeEngine := g.spans[newIdx].engine
	for _, s := range g.spans {
		s.failed = false
	}
	g.mu.Unlock()

	for _, octets := range pending {
		if err := doSendInfo(activeEngine, octets); err != nil {
			g.log.Warn("failed to flush queued message after switchover", logger.Ctx{"err": err})
		}
	}

	g.emit(Event{Kind: EventSwitchoverCompleted, FromSpan: fromLabel, ToSpan: toLabel, Reason: reason})
	g.log.Info("nfas switchover completed", logger.Ctx{"from": fromLabel, "to": toLabel, "reason": reason})
}
