package flowtest

import (
	"encoding/json"
	"fmt"

	"github.com/ledgerflow/flow/flowrun"
	"github.com/ledgerflow/flow/party"
)

// The Definitions below are test fixtures exercising one scenario each.
// Each is deliberately minimal: the point is the session trace and the
// terminal Outcome it produces, not the business logic inside a Step.

// PingPongState is shared by PingPongInitiator and PingPongResponder.
type PingPongState struct {
	Received  int `json:"received,omitempty"`
	Received2 int `json:"received2,omitempty"`
}

func encodeInt(n int) []byte {
	b, _ := json.Marshal(n)
	return b
}

func decodeInt(b []byte) (int, error) {
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return 0, fmt.Errorf("decoding int payload: %w", err)
	}
	return n, nil
}

// NewPingPongInitiator starts a ping-pong exchange with peer: it sends 10
// and expects two replies back, 20 then 21, sending 11 in between
// (spec.md section 8's ping-pong scenario).
func NewPingPongInitiator(peer party.Party) *flowrun.Definition {
	return &flowrun.Definition{
		ClassName:      "flowtest.PingPongFlow",
		Version:        1,
		StartableByRPC: true,
		NewState:       func() flowrun.State { return &PingPongState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				s := state.(*PingPongState)
				reply, err := io.SendAndReceive(io.Context(), peer, encodeInt(10), "int")
				if err != nil {
					return err
				}
				s.Received, err = decodeInt(reply)
				return err
			},
			func(io *flowrun.IO, state flowrun.State) error {
				s := state.(*PingPongState)
				reply, err := io.SendAndReceive(io.Context(), peer, encodeInt(11), "int")
				if err != nil {
					return err
				}
				s.Received2, err = decodeInt(reply)
				return err
			},
		},
	}
}

// PingPongResponderFactory answers an inbound flowtest.PingPongFlow init:
// it sends 20, receives the initiator's reply, then sends 21.
func PingPongResponderFactory(initiator party.Party, firstPayload []byte) (*flowrun.Definition, error) {
	return &flowrun.Definition{
		ClassName: "flowtest.PingPongFlow",
		Version:   1,
		NewState:  func() flowrun.State { return &PingPongState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				s := state.(*PingPongState)
				reply, err := io.SendAndReceive(io.Context(), initiator, encodeInt(20), "int")
				if err != nil {
					return err
				}
				s.Received, err = decodeInt(reply)
				return err
			},
			func(io *flowrun.IO, state flowrun.State) error {
				return io.Send(io.Context(), initiator, encodeInt(21))
			},
		},
	}, nil
}

// GreetState carries one received string across a restart.
type GreetState struct {
	Hello string `json:"hello,omitempty"`
}

// NewGreetInitiator opens a session with peer without piggy-backing a
// payload on the SessionInit, then sends "Hello" as a genuine SessionData
// one step later, so a responder observing it is provably receiving a
// real message rather than data carried on the Init itself.
func NewGreetInitiator(peer party.Party) *flowrun.Definition {
	return &flowrun.Definition{
		ClassName:      "flowtest.GreetFlow",
		Version:        1,
		StartableByRPC: true,
		NewState:       func() flowrun.State { return &GreetState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				return io.Send(io.Context(), peer, nil)
			},
			func(io *flowrun.IO, state flowrun.State) error {
				return io.Send(io.Context(), peer, []byte("Hello"))
			},
		},
	}
}

// NewGreetResponderFactory answers a flowtest.GreetFlow init by blocking
// on ReceiveInto for the genuine SessionData, which durably checkpoints
// "Hello" into State the instant it arrives. If ready is non-nil, it
// receives a value right after that checkpoint commits; if pause is
// non-nil, the Step then blocks on it before returning, letting a test
// hold the flow open for exactly as long as it needs to simulate killing
// the node here (spec.md section 8's "crash between send and receive"
// scenario: the node is killed after ingesting the message but before
// producing any output, and the resurrected flow must still observe it).
func NewGreetResponderFactory(ready chan<- struct{}, pause <-chan struct{}) flowrun.ResponderFactory {
	return func(initiator party.Party, firstPayload []byte) (*flowrun.Definition, error) {
		return &flowrun.Definition{
			ClassName: "flowtest.GreetFlow",
			Version:   1,
			NewState:  func() flowrun.State { return &GreetState{} },
			Steps: []flowrun.Step{
				func(io *flowrun.IO, state flowrun.State) error {
					s := state.(*GreetState)
					if err := io.ReceiveInto(io.Context(), initiator, "string", func(payload []byte) error {
						s.Hello = string(payload)
						return nil
					}); err != nil {
						return err
					}
					if ready != nil {
						ready <- struct{}{}
					}
					if pause != nil {
						<-pause
					}
					return nil
				},
			},
		}, nil
	}
}

// RaisingBusinessExceptionTypeName is the TypeName carried on the wire by
// RaiseBusinessExceptionResponderFactory's ErrorSessionEnd.
const RaisingBusinessExceptionTypeName = "flowtest.InsufficientFunds"

// AskState is shared by AskInitiator and the exception-raising responder
// factories.
type AskState struct {
	Reply string `json:"reply,omitempty"`
}

// NewAskInitiator opens a session with peer, sends a request, and expects
// a single reply; any session failure surfaces through the Step's
// returned error, which becomes the run's terminal Outcome.
func NewAskInitiator(peer party.Party) *flowrun.Definition {
	return &flowrun.Definition{
		ClassName:      "flowtest.AskFlow",
		Version:        1,
		StartableByRPC: true,
		NewState:       func() flowrun.State { return &AskState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				s := state.(*AskState)
				reply, err := io.SendAndReceive(io.Context(), peer, []byte("withdraw"), "string")
				if err != nil {
					return err
				}
				s.Reply = string(reply)
				return nil
			},
		},
	}
}

// RaiseBusinessExceptionResponderFactory answers by declaring a business
// exception instead of a normal reply (spec.md section 7, kind 1): the
// initiator must observe a *flowrun.BusinessException naming
// RaisingBusinessExceptionTypeName and carrying its message. The request
// arrives as firstPayload on the SessionInit, so the Step raises at once.
func RaiseBusinessExceptionResponderFactory(initiator party.Party, firstPayload []byte) (*flowrun.Definition, error) {
	return &flowrun.Definition{
		ClassName: "flowtest.AskFlow",
		Version:   1,
		NewState:  func() flowrun.State { return &AskState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				return &flowrun.BusinessException{TypeName: RaisingBusinessExceptionTypeName, Message: "account balance too low"}
			},
		},
	}, nil
}

// secretFailureMessage is never supposed to reach the initiator: it
// exists to prove PanicResponderFactory's failure is masked on the wire.
const secretFailureMessage = "division by zero in ledger reconciliation"

// PanicResponderFactory answers with a plain (non-business) error, which
// spec.md section 7 kind 2 requires be masked: the peer must see a bare
// UnexpectedFlowEnd, never secretFailureMessage. The request arrives as
// firstPayload on the SessionInit, so the Step fails at once.
func PanicResponderFactory(initiator party.Party, firstPayload []byte) (*flowrun.Definition, error) {
	return &flowrun.Definition{
		ClassName: "flowtest.AskFlow",
		Version:   1,
		NewState:  func() flowrun.State { return &AskState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				return fmt.Errorf(secretFailureMessage)
			},
		},
	}, nil
}

// NewUnknownClassInitiator opens a session naming a flow class the
// responder node has never registered, so the responder must answer with
// a bare SessionReject (spec.md section 8's "unknown class" scenario).
func NewUnknownClassInitiator(peer party.Party) *flowrun.Definition {
	return &flowrun.Definition{
		ClassName:      "flowtest.NoSuchFlow",
		Version:        1,
		StartableByRPC: true,
		NewState:       func() flowrun.State { return &AskState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				_, err := io.SendAndReceive(io.Context(), peer, []byte("hi"), "string")
				return err
			},
		},
	}
}

// VersionState records, on the initiator, the version number the
// responder sent back.
type VersionState struct {
	NegotiatedVersion int32 `json:"negotiatedVersion"`
}

// NewVersionedInitiator opens a session at version 2 and records the
// version number the responder sends back as NegotiatedVersion (spec.md
// section 8's version-negotiation scenario).
func NewVersionedInitiator(peer party.Party) *flowrun.Definition {
	return &flowrun.Definition{
		ClassName:      "flowtest.VersionedFlow",
		Version:        2,
		StartableByRPC: true,
		NewState:       func() flowrun.State { return &VersionState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				s := state.(*VersionState)
				reply, err := io.SendAndReceive(io.Context(), peer, nil, "int")
				if err != nil {
					return err
				}
				v, err := decodeInt(reply)
				s.NegotiatedVersion = int32(v)
				return err
			},
		},
	}
}

// NewVersionedResponderFactory registers a responder pinned at version;
// it sends that registered version back to the initiator as its payload.
// The runtime negotiates the lower of the two versions, so a responder
// pinned below the initiator's version sends the negotiated value.
func NewVersionedResponderFactory(version int32) flowrun.ResponderFactory {
	return func(initiator party.Party, firstPayload []byte) (*flowrun.Definition, error) {
		return &flowrun.Definition{
			ClassName: "flowtest.VersionedFlow",
			Version:   version,
			NewState:  func() flowrun.State { return &VersionState{} },
			Steps: []flowrun.Step{
				func(io *flowrun.IO, state flowrun.State) error {
					return io.Send(io.Context(), initiator, encodeInt(int(version)))
				},
			},
		}, nil
	}
}

// EchoState records nothing; EchoResponderFactory exists purely so a
// round-robin addressing test can observe which replica answered.
type EchoState struct{}

// EchoResponderFactory answers any flowtest.EchoFlow init by ending the
// session immediately. onAccept, if non-nil, is called first so a test
// can record which replica of a shared identity was chosen.
func EchoResponderFactory(onAccept func()) flowrun.ResponderFactory {
	return func(initiator party.Party, firstPayload []byte) (*flowrun.Definition, error) {
		if onAccept != nil {
			onAccept()
		}
		return &flowrun.Definition{
			ClassName: "flowtest.EchoFlow",
			Version:   1,
			NewState:  func() flowrun.State { return &EchoState{} },
			Steps:     []flowrun.Step{},
		}, nil
	}
}

// BlockForeverResponderFactory answers an inbound flowtest.AskFlow init
// and never replies. The request arrives as firstPayload on the
// SessionInit, so the Step's Receive waits for a SessionData that never
// comes, parking the responder run inside Receive exactly the way a real
// flow waiting on a peer that will never answer again would; the
// unclosed channel after it is never reached. Used to exercise
// Manager.Shutdown against a run it cannot unstick.
func BlockForeverResponderFactory(initiator party.Party, firstPayload []byte) (*flowrun.Definition, error) {
	return &flowrun.Definition{
		ClassName: "flowtest.AskFlow",
		Version:   1,
		NewState:  func() flowrun.State { return &AskState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				if _, err := io.Receive(io.Context(), initiator, "string"); err != nil {
					return err
				}
				var never = make(chan struct{})
				<-never
				return nil
			},
		},
	}, nil
}

// NewEchoInitiator opens one session against a shared service identity
// and waits for it to end, so each call picks the next replica in
// rotation (spec.md section 4.2).
func NewEchoInitiator(peer party.Party) *flowrun.Definition {
	return &flowrun.Definition{
		ClassName:      "flowtest.EchoFlow",
		Version:        1,
		StartableByRPC: true,
		NewState:       func() flowrun.State { return &EchoState{} },
		Steps: []flowrun.Step{
			func(io *flowrun.IO, state flowrun.State) error {
				_, err := io.SendAndReceive(io.Context(), peer, []byte("ping"), "string")
				if _, ok := err.(*flowrun.UnexpectedFlowEnd); ok {
					// The responder ends the session immediately without a
					// reply; that is success for this fixture, not a failure.
					return nil
				}
				return err
			},
		},
	}
}
