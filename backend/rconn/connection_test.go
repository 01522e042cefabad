package rconn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEndpointRoundTrip(t *testing.T) {
	ep := remoteEndpoint{
		Lid: 7,
		Gid: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Qpn: 0xABCD1234,
		Psn: 0x00FFEE11,
		MTU: 3,
	}
	blob := encodeEndpoint(ep)
	got, err := decodeEndpoint(blob)
	require.NoError(t, err)
	require.Equal(t, ep, got)
}

func TestDecodeEndpointRejectsTruncated(t *testing.T) {
	_, err := decodeEndpoint([]byte{0, 0, 0})
	require.Error(t, err)
}

func TestDecodeEndpointRejectsMissingTag(t *testing.T) {
	ep := remoteEndpoint{Lid: 1, Qpn: 2, Psn: 3, MTU: 4}
	blob := encodeEndpoint(ep)
	// Corrupt the field count down to drop the last field (mtu) and force
	// a missing-mandatory-tag failure.
	blob[0] = blob[0] - 1
	_, err := decodeEndpoint(blob)
	require.Error(t, err)
}
