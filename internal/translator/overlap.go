package translator

import (
	"strings"
	"time"

	"github.com/carrierone/redfire-gateway/internal/q931"
	"github.com/carrierone/redfire-gateway/internal/sip"
)

// DefaultT302 is the inter-digit timer for overlap receiving: if no
// further INFORMATION arrives within this window, the caller flushes the
// accumulated digits as-is.
const DefaultT302 = 15 * time.Second

// OverlapAccumulator collects overlap-sent called-number digits until a
// sending-complete marker arrives or T302 expires, then produces exactly
// one INVITE (spec §4.G edge case "Overlap sending").
type OverlapAccumulator struct {
	calling string
	digits  strings.Builder
	bearer  []byte
	done    bool
}

// NewOverlapAccumulator starts accumulation for one call; calling and
// bearer are fixed by the originating SETUP.
func NewOverlapAccumulator(calling string, bearer []byte) *OverlapAccumulator {
	return &OverlapAccumulator{calling: calling, bearer: bearer}
}

// AddInfo appends digits carried by a Q.931 INFORMATION message. Returns
// true if the sending-complete marker (IESendingComplete) was present,
// meaning Flush may now be called.
func (o *OverlapAccumulator) AddInfo(m q931.Message) (sendingComplete bool) {
	if o.done {
		return true
	}
	if ie, ok := m.Find(q931.IECalledPartyNumber); ok {
		o.digits.Write(ie.Value)
	}
	if _, ok := m.Find(q931.IESendingComplete); ok {
		o.done = true
	}
	return o.done
}

// Flush emits the single accumulated INVITE, whether triggered by a
// sending-complete marker or by T302 expiry.
func (o *OverlapAccumulator) Flush(ctx Context) sip.Message {
	req := sip.NewRequest(sip.MethodInvite, "sip:"+o.digits.String())
	req = req.WithHeader("From", "sip:"+o.calling)
	req = req.WithHeader("To", "sip:"+o.digits.String())
	req = req.WithHeader("Call-ID", ctx.SIPCallID)
	return req
}

// Digits returns what has been accumulated so far, for diagnostics.
func (o *OverlapAccumulator) Digits() string { return o.digits.String() }
