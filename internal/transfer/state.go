package transfer

// SenderState is the state of the sending side of a handshake.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderGeneratingOffer
	SenderAwaitingAck
	SenderVerifying
	SenderConfirmed
	SenderFailed
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderGeneratingOffer:
		return "generating_offer"
	case SenderAwaitingAck:
		return "awaiting_ack"
	case SenderVerifying:
		return "verifying"
	case SenderConfirmed:
		return "confirmed"
	case SenderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SenderStateChange is emitted on every sender transition.
type SenderStateChange struct {
	From SenderState
	To   SenderState
	Err  error
}

// ReceiverState is the state of the receiving side of a handshake.
type ReceiverState int

const (
	ReceiverIdle ReceiverState = iota
	ReceiverReceivedOffer
	ReceiverValidatingOffer
	ReceiverGeneratingAck
	ReceiverSent
	ReceiverFailed
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverIdle:
		return "idle"
	case ReceiverReceivedOffer:
		return "received_offer"
	case ReceiverValidatingOffer:
		return "validating_offer"
	case ReceiverGeneratingAck:
		return "generating_ack"
	case ReceiverSent:
		return "sent"
	case ReceiverFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReceiverStateChange is emitted on every receiver transition.
type ReceiverStateChange struct {
	From ReceiverState
	To   ReceiverState
	Err  error
}
