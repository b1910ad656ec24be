// Package translator implements the Protocol Translator (spec §4.G):
// per-call, stateless-per-message translation between the TDM signaling
// protocols (Q.931, ISUP) and the upstream SIP shape, operating on
// immutable rule sets loaded once per variant.
package translator

import (
	"sync/atomic"

	"github.com/carrierone/redfire-gateway/internal/q931"
)

// Variant selects the switch-type-specific rule set a call was set up
// against (spec §6: "ETSI, NI2, 5ESS, DMS-100, AXE, EWSD"). A session's
// first translation fixes the variant for the rest of its lifetime
// (spec §4.G).
type Variant int

const (
	VariantITU Variant = iota
	VariantETSI
	VariantNI2
	Variant5ESS
	VariantDMS100
	VariantAXE
	VariantEWSD

	variantCount
)

func (v Variant) String() string {
	switch v {
	case VariantITU:
		return "ITU"
	case VariantETSI:
		return "ETSI"
	case VariantNI2:
		return "NI2"
	case Variant5ESS:
		return "5ESS"
	case VariantDMS100:
		return "DMS-100"
	case VariantAXE:
		return "AXE"
	case VariantEWSD:
		return "EWSD"
	default:
		return "unknown"
	}
}

// Nature-of-address codes as carried in Q.931 type-of-number / ISUP NOA
// fields.
const (
	NOAUnknown         = 0x00
	NOAInternational   = 0x01
	NOANational        = 0x02
	NOANetworkSpecific = 0x03
	NOASubscriber      = 0x04
)

// RuleSet is one variant's translation maps: TDM cause to SIP status and
// its inverse (SIP status to cause), progress indicator to SIP status,
// and nature-of-address dial-string prefixes. Loaded once at startup and treated as read-only
// thereafter; Override swaps a fresh copy in atomically.
type RuleSet struct {
	causeToStatus    map[byte]int
	statusToCause    map[int]byte
	progressToStatus map[byte]int
	numberPrefixes   map[byte]string
}

// Overrides is the set of entries Override appends to (or replaces in) a
// variant's rule set. Nil maps leave the corresponding table untouched.
type Overrides struct {
	CauseToStatus    map[byte]int
	StatusToCause    map[int]byte
	ProgressToStatus map[byte]int
	NumberPrefixes   map[byte]string
}

func baseRuleSet() *RuleSet {
	return &RuleSet{
		causeToStatus: map[byte]int{
			q931.CauseUnallocatedNumber:  404,
			q931.CauseNoCircuitAvailable: 503,
			q931.CauseNormalClearing:     0, // BYE, not a status code; handled specially
			q931.CauseUserBusy:           486,
			q931.CauseNoAnswer:           480,
			q931.CauseCallRejected:       403,
			q931.CauseNumberChanged:      410,
			q931.CauseDestOutOfOrder:     502,
			q931.CauseInvalidNumber:      484,
			q931.CauseNetworkCongestion:  503,
			q931.CauseTemporaryFailure:   503,
		},
		statusToCause: map[int]byte{
			404: q931.CauseUnallocatedNumber,
			503: q931.CauseNoCircuitAvailable,
			486: q931.CauseUserBusy,
			480: q931.CauseNoAnswer,
			403: q931.CauseCallRejected,
			410: q931.CauseNumberChanged,
			502: q931.CauseDestOutOfOrder,
			484: q931.CauseInvalidNumber,
		},
		// Q.931 progress description values: 1 = call is not end-to-end
		// ISDN, 2 = destination is non-ISDN, 3 = origination is non-ISDN,
		// 4 = call returned to ISDN, 8 = in-band information available.
		progressToStatus: map[byte]int{
			1: 183,
			2: 183,
			3: 183,
			4: 180,
			8: 183,
		},
		numberPrefixes: map[byte]string{
			NOAUnknown:       "",
			NOAInternational: "+",
			NOANational:      "",
			NOASubscriber:    "",
		},
	}
}

func (r *RuleSet) clone() *RuleSet {
	out := &RuleSet{
		causeToStatus:    make(map[byte]int, len(r.causeToStatus)),
		statusToCause:    make(map[int]byte, len(r.statusToCause)),
		progressToStatus: make(map[byte]int, len(r.progressToStatus)),
		numberPrefixes:   make(map[byte]string, len(r.numberPrefixes)),
	}
	for k, v := range r.causeToStatus {
		out.causeToStatus[k] = v
	}
	for k, v := range r.statusToCause {
		out.statusToCause[k] = v
	}
	for k, v := range r.progressToStatus {
		out.progressToStatus[k] = v
	}
	for k, v := range r.numberPrefixes {
		out.numberPrefixes[k] = v
	}
	return out
}

// ruleSets holds one atomically swappable rule set per variant. The
// switch-type differences the spec calls out (§6) are mostly in IE
// subsets rather than these maps, so every variant starts from the same
// ITU base; per-deployment divergence comes in through Override.
var ruleSets [variantCount]atomic.Pointer[RuleSet]

func init() {
	base := baseRuleSet()
	for v := Variant(0); v < variantCount; v++ {
		ruleSets[v].Store(base.clone())
	}
}

func rules(v Variant) *RuleSet {
	if v < 0 || v >= variantCount {
		v = VariantITU
	}
	return ruleSets[v].Load()
}

// Override appends/replaces entries in variant v's rule set. The swap is
// atomic: translations in flight keep the set they loaded, and no reader
// ever observes a half-applied override (spec §3 "custom overrides
// append/replace entries atomically").
func Override(v Variant, o Overrides) {
	if v < 0 || v >= variantCount {
		return
	}
	for {
		old := ruleSets[v].Load()
		next := old.clone()
		for k, val := range o.CauseToStatus {
			next.causeToStatus[k] = val
		}
		for k, val := range o.StatusToCause {
			next.statusToCause[k] = val
		}
		for k, val := range o.ProgressToStatus {
			next.progressToStatus[k] = val
		}
		for k, val := range o.NumberPrefixes {
			next.numberPrefixes[k] = val
		}
		if ruleSets[v].CompareAndSwap(old, next) {
			return
		}
	}
}

// DefaultUnknownOutboundCause and DefaultUnknownInboundStatus are the
// substitutions applied when no rule exists for a cause/status (spec
// §4.G edge case "Unknown cause code").
const (
	DefaultUnknownOutboundCause = q931.CauseNormalUnspecified // 31
	DefaultUnknownInboundStatus = 500
)

// CauseToStatus translates a Q.850 cause to a SIP status for variant v.
// ok is false when the cause has no entry; callers apply
// DefaultUnknownInboundStatus per spec §4.G.
func CauseToStatus(v Variant, cause byte) (status int, ok bool) {
	status, ok = rules(v).causeToStatus[cause]
	return status, ok
}

// StatusToCause translates a SIP status to a Q.850 cause for variant v.
// ok is false when the status has no entry; callers apply
// DefaultUnknownOutboundCause per spec §4.G.
func StatusToCause(v Variant, status int) (cause byte, ok bool) {
	cause, ok = rules(v).statusToCause[status]
	return cause, ok
}

// ProgressToStatus translates a Q.931 progress description value to a
// SIP provisional status for variant v. ok is false when the value has
// no entry; callers fall back to 183.
func ProgressToStatus(v Variant, progress byte) (status int, ok bool) {
	status, ok = rules(v).progressToStatus[progress]
	return status, ok
}

// FormatNumber renders digits as a dial string for SIP URIs, applying
// variant v's prefix for the given nature-of-address code.
func FormatNumber(v Variant, noa byte, digits string) string {
	return rules(v).numberPrefixes[noa] + digits
}

// CauseText returns the short Q.850 reason phrase used in Reason
// headers (spec §8 scenario 4: `Reason: Q.850;cause=17;text="User
// busy"`).
func CauseText(cause byte) string {
	switch cause {
	case q931.CauseUnallocatedNumber:
		return "Unallocated number"
	case q931.CauseNoCircuitAvailable:
		return "No circuit available"
	case q931.CauseNormalClearing:
		return "Normal clearing"
	case q931.CauseUserBusy:
		return "User busy"
	case q931.CauseNoAnswer:
		return "No answer"
	case q931.CauseCallRejected:
		return "Call rejected"
	case q931.CauseNumberChanged:
		return "Number changed"
	case q931.CauseDestOutOfOrder:
		return "Destination out of order"
	case q931.CauseInvalidNumber:
		return "Invalid number format"
	case q931.CauseNetworkCongestion:
		return "Network congestion"
	case q931.CauseTemporaryFailure:
		return "Temporary failure"
	case q931.CauseRecoveryOnTimer:
		return "Recovery on timer expiry"
	case q931.CauseNormalUnspecified:
		return "Normal, unspecified"
	default:
		return "Unspecified"
	}
}
