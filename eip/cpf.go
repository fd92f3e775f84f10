package eip

// Common Packet Format item encoding/decoding, ODVA Common Industrial
// Protocol Specification Vol 2, section 2-6.

import (
	"encoding/binary"
	"fmt"
)

// CPF address/data item type IDs actually produced or consumed elsewhere in
// this package (null/unconnected/connected, plus the List Identity reply
// item). The broader ODVA type-ID space
// (sockaddr info, sequenced address, list-services) has no caller here and
// is not declared.
const (
	CpfAddressNullId              uint16 = 0x00
	CpfTypeListIdentityResponseId uint16 = 0x0C
	CpfAddressConnectionId        uint16 = 0xA1
	CpfConnectedTransportPacketId uint16 = 0xB1
	CpfUnconnectedMessageId       uint16 = 0xB2
)

const cpfItemHeaderLen = 4

// EipCommonPacket is the item-count-prefixed list of address/data items that
// carries every Send RR Data, Send Unit Data, and List Identity payload.
type EipCommonPacket struct {
	Items []EipCommonPacketItem
}

// EipCommonPacketItem is one type-ID/length/data triple within a Common
// Packet Format payload.
type EipCommonPacketItem struct {
	TypeId uint16
	Length uint16
	Data   []byte
}

// Bytes serializes the item count followed by each item in wire order.
func (p *EipCommonPacket) Bytes() []byte {
	buf := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for _, item := range p.Items {
		buf = append(buf, item.Bytes()...)
	}
	return buf
}

// Bytes serializes one item's type ID, length, and data.
func (item *EipCommonPacketItem) Bytes() []byte {
	buf := binary.LittleEndian.AppendUint16(nil, item.TypeId)
	buf = binary.LittleEndian.AppendUint16(buf, item.Length)
	buf = append(buf, item.Data...)
	return buf
}

// ParseEipCommonPacket parses a Common Packet Format payload into its items.
func ParseEipCommonPacket(raw []byte) (*EipCommonPacket, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("eip: cpf: too short for item count: need 2 bytes, got %d", len(raw))
	}

	itemCount := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	if itemCount > 0 && len(raw) == 0 {
		return nil, fmt.Errorf("eip: cpf: declares %d items but no item data follows", itemCount)
	}

	items := make([]EipCommonPacketItem, 0, itemCount)
	for i := uint16(0); i < itemCount; i++ {
		if len(raw) < cpfItemHeaderLen {
			return nil, fmt.Errorf("eip: cpf: truncated item header at index %d: have %d bytes, need %d", i, len(raw), cpfItemHeaderLen)
		}

		typeID := binary.LittleEndian.Uint16(raw[0:2])
		length := binary.LittleEndian.Uint16(raw[2:4])

		need := cpfItemHeaderLen + int(length)
		if len(raw) < need {
			return nil, fmt.Errorf("eip: cpf: item %d needs %d bytes, have %d", i, need, len(raw))
		}

		items = append(items, EipCommonPacketItem{
			TypeId: typeID,
			Length: length,
			Data:   raw[cpfItemHeaderLen:need],
		})
		raw = raw[need:]
	}

	return &EipCommonPacket{Items: items}, nil
}
