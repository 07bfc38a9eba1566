package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	var want = StartFlowRequest{ClassName: "example.PingPongFlow", ArgsJSON: []byte(`{"n":10}`)}

	encoded, err := Codec.Marshal(&want)
	require.NoError(t, err)

	var got StartFlowRequest
	require.NoError(t, Codec.Unmarshal(encoded, &got))
	require.Equal(t, want, got)
}

func TestCodecName(t *testing.T) {
	require.Equal(t, "cbor", Codec.Name())
}
