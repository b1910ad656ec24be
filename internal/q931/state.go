package q931

// CallState is the Q.931 call-control state (spec §4.D, Q.931 §5 state
// numbers given for cross-reference).
type CallState int

const (
	StateNull                   CallState = 0
	StateCallInitiated          CallState = 1
	StateOverlapSending         CallState = 2
	StateOutgoingCallProceeding CallState = 3
	StateCallDelivered          CallState = 4
	StateCallPresent            CallState = 6
	StateCallReceived           CallState = 7
	StateConnectRequest         CallState = 8
	StateIncomingCallProceeding CallState = 9
	StateActive                 CallState = 10
	StateDisconnectRequest      CallState = 11
	StateDisconnectIndication   CallState = 12
	StateReleaseRequest         CallState = 19
	StateOverlapReceiving       CallState = 25
)

func (s CallState) String() string {
	switch s {
	case StateNull:
		return "Null"
	case StateCallInitiated:
		return "CallInitiated"
	case StateOverlapSending:
		return "OverlapSending"
	case StateOutgoingCallProceeding:
		return "OutgoingCallProceeding"
	case StateCallDelivered:
		return "CallDelivered"
	case StateCallPresent:
		return "CallPresent"
	case StateCallReceived:
		return "CallReceived"
	case StateConnectRequest:
		return "ConnectRequest"
	case StateIncomingCallProceeding:
		return "IncomingCallProceeding"
	case StateActive:
		return "Active"
	case StateDisconnectRequest:
		return "DisconnectRequest"
	case StateDisconnectIndication:
		return "DisconnectIndication"
	case StateReleaseRequest:
		return "ReleaseRequest"
	case StateOverlapReceiving:
		return "OverlapReceiving"
	default:
		return "unknown"
	}
}

// Q.850 cause codes this layer assigns directly (spec §7, §4.D).
const (
	CauseUnallocatedNumber  = 1
	CauseNoCircuitAvailable = 34
	CauseNormalClearing     = 16
	CauseUserBusy           = 17
	CauseNoAnswer           = 19
	CauseCallRejected       = 21
	CauseNumberChanged      = 22
	CauseDestOutOfOrder     = 27
	CauseInvalidNumber      = 28
	CauseNetworkCongestion  = 42
	CauseTemporaryFailure   = 41
	CauseGlareCleared       = 44
	CauseResponseToStatus   = 30
	CauseRecoveryOnTimer    = 102
	CauseIncompatibleState  = 101
	CauseCallRefCollision   = 81
	CauseNormalUnspecified  = 31
)
