// Package wire defines the session message wire format: a tagged union of
// the six message kinds the session protocol exchanges, and the CBOR codec
// used to turn them into bytes and back. See DESIGN.md for why CBOR
// (fxamacker/cbor/v2) stands in for the protobuf wire format the spec
// allows but which this environment cannot codegen.
package wire

// SessionID is a session-local identifier. The spec models it as a 63-bit
// random integer chosen by the initiator; we keep the top bit clear so the
// value is always representable as a non-negative int64 on the wire too.
type SessionID uint64

// Tag names the six session message kinds of the wire protocol.
type Tag string

const (
	TagSessionInit      Tag = "SessionInit"
	TagSessionConfirm   Tag = "SessionConfirm"
	TagSessionData      Tag = "SessionData"
	TagNormalSessionEnd Tag = "NormalSessionEnd"
	TagErrorSessionEnd  Tag = "ErrorSessionEnd"
	TagSessionReject    Tag = "SessionReject"
)

// SessionInit is sent by the initiator to request a new session with a
// responder flow of the named class.
type SessionInit struct {
	InitiatorSessionID SessionID `cbor:"initiatorSessionId"`
	FlowClassName      string    `cbor:"flowClassName"`
	FlowVersion        int32     `cbor:"flowVersion"`
	ApplicationID      string    `cbor:"applicationId"`
	// Payload is the optional first message piggy-backed on the init.
	Payload []byte `cbor:"payload,omitempty"`
}

// SessionConfirm is the responder's acceptance of a SessionInit.
type SessionConfirm struct {
	InitiatorSessionID SessionID `cbor:"initiatorSessionId"`
	ConfirmerSessionID SessionID `cbor:"confirmerSessionId"`
	FlowVersion        int32     `cbor:"flowVersion"`
	ApplicationID      string    `cbor:"applicationId"`
}

// SessionData carries one application payload on an already-confirmed
// session.
type SessionData struct {
	RecipientSessionID SessionID `cbor:"recipientSessionId"`
	Payload            []byte    `cbor:"payload"`
}

// NormalSessionEnd announces that the sender has finished and will emit no
// further messages on this session.
type NormalSessionEnd struct {
	RecipientSessionID SessionID `cbor:"recipientSessionId"`
}

// BusinessException is a declared, wire-safe exception. Stack traces are
// never included; TypeName lets the receiver re-raise a peer-typed copy.
type BusinessException struct {
	TypeName string `cbor:"typeName"`
	Message  string `cbor:"message"`
}

// ErrorSessionEnd announces abnormal session termination. Exception is nil
// for a non-business (fatal or protocol) error, which the peer surfaces as
// UnexpectedFlowEnd without ever seeing the original message.
type ErrorSessionEnd struct {
	RecipientSessionID SessionID          `cbor:"recipientSessionId"`
	Exception          *BusinessException `cbor:"exception,omitempty"`
}

// SessionReject is returned by a recipient that cannot or will not service
// a SessionInit (unknown flow class, non-flow class, incompatible version).
type SessionReject struct {
	InitiatorSessionID SessionID `cbor:"initiatorSessionId"`
	ErrorMessage       string    `cbor:"errorMessage"`
}

// Body is a tagged union over the six message kinds. Exactly one field is
// non-nil; Tag reports which.
type Body struct {
	Init       *SessionInit       `cbor:"init,omitempty"`
	Confirm    *SessionConfirm    `cbor:"confirm,omitempty"`
	Data       *SessionData       `cbor:"data,omitempty"`
	NormalEnd  *NormalSessionEnd  `cbor:"normalEnd,omitempty"`
	ErrorEnd   *ErrorSessionEnd   `cbor:"errorEnd,omitempty"`
	Reject     *SessionReject     `cbor:"reject,omitempty"`
}

// Tag reports which message kind is populated in this Body.
func (b Body) Tag() Tag {
	switch {
	case b.Init != nil:
		return TagSessionInit
	case b.Confirm != nil:
		return TagSessionConfirm
	case b.Data != nil:
		return TagSessionData
	case b.NormalEnd != nil:
		return TagNormalSessionEnd
	case b.ErrorEnd != nil:
		return TagErrorSessionEnd
	case b.Reject != nil:
		return TagSessionReject
	default:
		return ""
	}
}

// RecipientSessionID returns the session-id every message (other than an
// as-yet-unconfirmed SessionInit, which instead carries the future
// confirmer's InitiatorSessionID) is addressed to.
func (b Body) RecipientSessionID() (SessionID, bool) {
	switch {
	case b.Confirm != nil:
		return b.Confirm.InitiatorSessionID, true
	case b.Data != nil:
		return b.Data.RecipientSessionID, true
	case b.NormalEnd != nil:
		return b.NormalEnd.RecipientSessionID, true
	case b.ErrorEnd != nil:
		return b.ErrorEnd.RecipientSessionID, true
	case b.Reject != nil:
		return b.Reject.InitiatorSessionID, true
	default:
		return 0, false
	}
}

// Envelope wraps a Body with transport-level addressing and the
// dedup/ordering metadata the session protocol engine needs.
type Envelope struct {
	// MessageID is a sender-assigned id taken from the sending run's
	// checkpointed counter, so a pending message re-sent after a restart
	// keeps it. Receivers use it to discard already-delivered
	// retransmissions of SessionData.
	MessageID uint64 `cbor:"messageId"`
	// Sequence increases monotonically per (sender, session) pair. The
	// receiving engine does not inspect it; ordering within a session
	// relies on the transport.
	Sequence uint64 `cbor:"sequence"`
	// SenderParty is the opaque identity of the sending endpoint.
	SenderParty string `cbor:"senderParty"`
	Body        Body   `cbor:"body"`
}
