package flowrun

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/session"
	"github.com/ledgerflow/flow/wire"
)

// frameSchemaVersion is the schema-version byte prefix spec.md section
// 4.3 requires on every persisted checkpoint blob.
const frameSchemaVersion byte = 1

// persistedSession is the on-disk shape of a session.Session: everything
// needed to rebuild the in-memory Table on resurrection, including any
// inbox the flow had not yet drained.
type persistedSession struct {
	Own              wire.SessionID  `cbor:"own"`
	Peer             wire.SessionID  `cbor:"peer"`
	PeerParty        party.Party     `cbor:"peerParty"`
	PeerEndpoint     party.Endpoint  `cbor:"peerEndpoint"`
	FlowVersion      int32           `cbor:"flowVersion"`
	State            int             `cbor:"state"`
	ExpectedTypeHint string          `cbor:"expectedTypeHint"`
	SendSeq          uint64          `cbor:"sendSeq"`
	Inbox            []wire.Envelope `cbor:"inbox"`
	Pending          *wire.Envelope  `cbor:"pending"`
}

// frame is the full persisted continuation of one Run: the next Step to
// execute, the flow author's local State (opaque to the codec below, kept
// as already-marshaled JSON so flowrun never needs reflection over
// arbitrary flow-defined types), the session table, and the restart-stable
// counters used to derive message-ids and new session-ids.
type frame struct {
	ClassName       string                `cbor:"className"`
	Version         int32                 `cbor:"version"`
	Initiator       InitiatorKind         `cbor:"initiator"`
	StepIndex       int                   `cbor:"stepIndex"`
	State           json.RawMessage       `cbor:"state"`
	Sessions        []persistedSession    `cbor:"sessions"`
	SessionByParty  map[string]uint64     `cbor:"sessionByParty"`
	NextMessageID   uint64                `cbor:"nextMessageId"`
	NextSessionSeed uint64                `cbor:"nextSessionSeed"`
	Dedup           []session.DedupRecord `cbor:"dedup"`
}

var frameEncMode cbor.EncMode
var frameDecMode cbor.DecMode

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	frameEncMode = m

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	frameDecMode = dm
}

func marshalFrame(f frame) ([]byte, error) {
	body, err := frameEncMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint frame: %w", err)
	}
	return append([]byte{frameSchemaVersion}, body...), nil
}

func unmarshalFrame(blob []byte) (frame, error) {
	var f frame
	if len(blob) < 1 {
		return f, fmt.Errorf("empty checkpoint blob")
	}
	if blob[0] != frameSchemaVersion {
		return f, fmt.Errorf("checkpoint schema version %d is not supported (expected %d)", blob[0], frameSchemaVersion)
	}
	if err := frameDecMode.Unmarshal(blob[1:], &f); err != nil {
		return f, fmt.Errorf("decoding checkpoint frame: %w", err)
	}
	return f, nil
}
