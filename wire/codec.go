package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SchemaVersion is prefixed onto every encoded Envelope. The spec requires
// a mandatory schema-version byte prefix on persisted/wire blobs so that a
// future incompatible change fails loudly on decode rather than silently
// misreading fields.
const SchemaVersion byte = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Canonical encoding gives the round-trip law ("marshal then unmarshal
	// yields an equal value") a stronger guarantee: two equal Envelopes
	// always produce byte-identical encodings, which is also what the
	// cupaloy golden-file tests rely on.
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes an Envelope to its schema-versioned wire bytes.
func Marshal(e Envelope) ([]byte, error) {
	body, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return append([]byte{SchemaVersion}, body...), nil
}

// Unmarshal decodes wire bytes produced by Marshal back into an Envelope.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if len(b) == 0 {
		return e, fmt.Errorf("unmarshaling envelope: empty buffer")
	}
	if b[0] != SchemaVersion {
		return e, fmt.Errorf("unmarshaling envelope: unsupported schema version %d", b[0])
	}
	if err := decMode.Unmarshal(b[1:], &e); err != nil {
		return e, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return e, nil
}
