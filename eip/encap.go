package eip

import (
	"encoding/binary"
	"fmt"
)

// EtherNet/IP encapsulation command codes (CIP Vol 2, Table 2-3.2).
const (
	CommandNOP             uint16 = 0x0000
	CommandListServices    uint16 = 0x0004
	CommandListIdentity    uint16 = 0x0063
	CommandListInterfaces  uint16 = 0x0064
	CommandRegisterSession uint16 = 0x0065
	CommandUnregister      uint16 = 0x0066
	CommandSendRRData      uint16 = 0x006F
	CommandSendUnitData    uint16 = 0x0070
)

// EipEncap is the generic EtherNet/IP encapsulation header that wraps every
// request and reply on the wire.
type EipEncap struct {
	Command       uint16
	Length        uint16
	SessionHandle uint32
	Status        uint32
	Context       [8]byte
	Options       uint32
	Data          []byte
}

const encapHeaderLen = 24

// EipCommandData is the Common-Packet-Format-bearing payload of a
// RegisterSession/SendRRData/SendUnitData command.
type EipCommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Packet          []byte
}

// Bytes serializes the encapsulation header and data in wire order, filling
// in Length from len(Data).
func (m *EipEncap) Bytes() []byte {
	m.Length = uint16(len(m.Data))
	buf := make([]byte, 0, encapHeaderLen+len(m.Data))
	buf = binary.LittleEndian.AppendUint16(buf, m.Command)
	buf = binary.LittleEndian.AppendUint16(buf, m.Length)
	buf = binary.LittleEndian.AppendUint32(buf, m.SessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, m.Status)
	buf = append(buf, m.Context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.Options)
	buf = append(buf, m.Data...)
	return buf
}

// ParseEipEncap parses a complete encapsulation header plus trailing data.
// raw must contain exactly the header followed by Length bytes of data; the
// session reader is responsible for reading the header first to learn Length
// and then reading exactly that many more bytes.
func ParseEipEncap(raw []byte) (*EipEncap, error) {
	if len(raw) < encapHeaderLen {
		return nil, fmt.Errorf("eip: encap header too short: need %d bytes, got %d", encapHeaderLen, len(raw))
	}

	e := &EipEncap{
		Command:       binary.LittleEndian.Uint16(raw[0:2]),
		Length:        binary.LittleEndian.Uint16(raw[2:4]),
		SessionHandle: binary.LittleEndian.Uint32(raw[4:8]),
		Status:        binary.LittleEndian.Uint32(raw[8:12]),
	}
	copy(e.Context[:], raw[12:20])
	e.Options = binary.LittleEndian.Uint32(raw[20:24])

	rest := raw[encapHeaderLen:]
	if len(rest) < int(e.Length) {
		return nil, fmt.Errorf("eip: encap data truncated: header declares %d bytes, got %d", e.Length, len(rest))
	}
	e.Data = rest[:e.Length]
	return e, nil
}

// Bytes serializes the command-data wrapper (interface handle, timeout, then
// the Common Packet Format payload).
func (r *EipCommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.InterfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.Timeout)
	raw = append(raw, r.Packet...)
	return raw
}

// ParseEipCommandData parses the interface-handle/timeout/packet wrapper out
// of an encapsulation payload.
func ParseEipCommandData(raw []byte) (*EipCommandData, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("eip: command data too short: need 6 bytes, got %d", len(raw))
	}

	return &EipCommandData{
		InterfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		Timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		Packet:          raw[6:],
	}, nil
}
