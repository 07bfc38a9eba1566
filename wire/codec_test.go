package wire

import (
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var cases = []Envelope{
		{
			MessageID:   1,
			Sequence:    1,
			SenderParty: "O=PartyA,L=London",
			Body: Body{Init: &SessionInit{
				InitiatorSessionID: 42,
				FlowClassName:      "example.PingPongFlow",
				FlowVersion:        1,
				ApplicationID:      "app-1",
				Payload:            []byte{10},
			}},
		},
		{
			MessageID:   2,
			Sequence:    1,
			SenderParty: "O=PartyB,L=NYC",
			Body: Body{Confirm: &SessionConfirm{
				InitiatorSessionID: 42,
				ConfirmerSessionID: 99,
				FlowVersion:        1,
				ApplicationID:      "app-1",
			}},
		},
		{
			MessageID:   3,
			Sequence:    2,
			SenderParty: "O=PartyB,L=NYC",
			Body:        Body{Data: &SessionData{RecipientSessionID: 42, Payload: []byte{20}}},
		},
		{
			MessageID:   4,
			Sequence:    3,
			SenderParty: "O=PartyA,L=London",
			Body:        Body{NormalEnd: &NormalSessionEnd{RecipientSessionID: 99}},
		},
		{
			MessageID:   5,
			Sequence:    4,
			SenderParty: "O=PartyB,L=NYC",
			Body: Body{ErrorEnd: &ErrorSessionEnd{
				RecipientSessionID: 42,
				Exception:          &BusinessException{TypeName: "example.MyFlowException", Message: "Nothing useful"},
			}},
		},
		{
			MessageID:   6,
			Sequence:    1,
			SenderParty: "O=PartyB,L=NYC",
			Body:        Body{Reject: &SessionReject{InitiatorSessionID: 42, ErrorMessage: "Don't know not.a.real.Class"}},
		},
	}

	for _, want := range cases {
		encoded, err := Marshal(want)
		require.NoError(t, err)

		got, err := Unmarshal(encoded)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestUnmarshalRejectsUnknownSchemaVersion(t *testing.T) {
	_, err := Unmarshal([]byte{99, 0x00})
	require.Error(t, err)
}

func TestUnmarshalRejectsEmpty(t *testing.T) {
	_, err := Unmarshal(nil)
	require.Error(t, err)
}

func TestSessionDataSnapshot(t *testing.T) {
	var env = Envelope{
		MessageID:   7,
		Sequence:    5,
		SenderParty: "O=PartyA,L=London",
		Body:        Body{Data: &SessionData{RecipientSessionID: 7, Payload: []byte("hello")}},
	}
	encoded, err := Marshal(env)
	require.NoError(t, err)
	cupaloy.SnapshotT(t, encoded)
}
