package eip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEipCommonPacketRoundTrip(t *testing.T) {
	packet := EipCommonPacket{
		Items: []EipCommonPacketItem{
			{TypeId: CpfAddressNullId, Length: 0},
			{TypeId: CpfUnconnectedMessageId, Length: 3, Data: []byte{0x4C, 0x02, 0x20}},
		},
	}

	raw := packet.Bytes()
	got, err := ParseEipCommonPacket(raw)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)

	assert.Equal(t, CpfAddressNullId, got.Items[0].TypeId)
	assert.Equal(t, CpfUnconnectedMessageId, got.Items[1].TypeId)
	assert.Equal(t, packet.Items[1].Data, got.Items[1].Data)
}

func TestParseEipCommonPacketTruncatedItemHeader(t *testing.T) {
	raw := []byte{1, 0, 0xB2} // claims 1 item, only 1 byte of header follows
	_, err := ParseEipCommonPacket(raw)
	assert.Error(t, err)
}

func TestParseEipCommonPacketInsufficientData(t *testing.T) {
	raw := []byte{1, 0, 0xB2, 0x00, 0x05, 0x00, 0x01, 0x02} // declares 5 bytes, has 2
	_, err := ParseEipCommonPacket(raw)
	assert.Error(t, err)
}

func TestParseEipCommonPacketEmpty(t *testing.T) {
	got, err := ParseEipCommonPacket([]byte{0, 0})
	require.NoError(t, err)
	assert.Empty(t, got.Items)
}
