package eip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEipEncapRoundTrip(t *testing.T) {
	msg := &EipEncap{
		Command:       CommandSendRRData,
		SessionHandle: 0xDEADBEEF,
		Status:        0,
		Context:       [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		Data:          []byte{0xAA, 0xBB, 0xCC},
	}

	raw := msg.Bytes()
	got, err := ParseEipEncap(raw)
	require.NoError(t, err)

	assert.Equal(t, msg.Command, got.Command)
	assert.Equal(t, msg.SessionHandle, got.SessionHandle)
	assert.Equal(t, msg.Context, got.Context)
	assert.Equal(t, msg.Data, got.Data)
	assert.EqualValues(t, len(msg.Data), got.Length)
}

func TestParseEipEncapTruncatedHeader(t *testing.T) {
	_, err := ParseEipEncap([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseEipEncapTruncatedData(t *testing.T) {
	msg := &EipEncap{Command: CommandRegisterSession, Data: []byte{1, 2, 3, 4}}
	raw := msg.Bytes()
	_, err := ParseEipEncap(raw[:len(raw)-2])
	assert.Error(t, err)
}

func TestEipCommandDataRoundTrip(t *testing.T) {
	cmd := &EipCommandData{InterfaceHandle: 0, Timeout: 5, Packet: []byte{0x01, 0x02}}
	raw := cmd.Bytes()

	got, err := ParseEipCommandData(raw)
	require.NoError(t, err)
	assert.Equal(t, cmd.InterfaceHandle, got.InterfaceHandle)
	assert.Equal(t, cmd.Timeout, got.Timeout)
	assert.Equal(t, cmd.Packet, got.Packet)
}
