package eip

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yatesdr/plctag/cip"
	"github.com/yatesdr/plctag/logging"
	"github.com/yatesdr/plctag/metrics"
)

// DefaultPort is the registered EtherNet/IP TCP port.
const DefaultPort uint16 = 44818

// defaultRequestTimeout bounds a pending request when a session was built
// with no configured timeout, so wait never blocks forever on a silent
// gateway even if the caller's own context carries no deadline.
const defaultRequestTimeout = 10 * time.Second

// Session owns one registered EtherNet/IP session over one TCP connection
// and pumps replies back to whichever caller's request matches, instead of
// serializing one request at a time per connection. Multiple tags can share
// a Session (see Registry) and issue pipelined requests concurrently.
type Session struct {
	addr string
	port uint16

	mu      sync.Mutex
	conn    net.Conn
	session uint32
	timeout time.Duration
	closed  bool

	family cip.Family
	sem    chan struct{} // per-session in-flight request gate, sized by family (§4.5)

	writeMu sync.Mutex

	ctxSeq  uint64
	pending sync.Map // key: pendingKey -> *pendingCall

	readerDone chan struct{}
	refCount   int32
}

type pendingKind int

const (
	pendingUnconnected pendingKind = iota
	pendingConnected
	pendingListIdentity
)

type pendingKey struct {
	kind pendingKind
	tok  uint64 // sender-context token (unconnected) or connection sequence (connected)
}

type pendingCall struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	packet *EipCommonPacket
	err    error
}

// NewSession creates an unconnected Session targeting the default EtherNet/IP
// port. Call Connect before issuing any requests.
func NewSession(addr string, timeout time.Duration) *Session {
	return NewSessionPort(addr, DefaultPort, timeout)
}

// NewSessionPort is like NewSession but allows a non-standard port.
func NewSessionPort(addr string, port uint16, timeout time.Duration) *Session {
	s := &Session{
		addr:    addr,
		port:    port,
		timeout: timeout,
	}
	s.setFamily("")
	return s
}

// setFamily sizes the per-session in-flight request gate for f (§4.5: 4 for
// native Logix-style dialects, 1 for PCCC-tunneled ones). The registry calls
// this right after construction, before Connect; resizing a live session's
// gate is not supported.
func (s *Session) setFamily(f cip.Family) {
	s.family = f
	s.sem = make(chan struct{}, f.MaxInFlight())
}

// Acquire/Release implement the reference counting the registry uses to
// share one Session across many tags that target the same gateway/path.
func (s *Session) Acquire() { atomic.AddInt32(&s.refCount, 1) }

// Release returns the new reference count after decrementing.
func (s *Session) Release() int32 { return atomic.AddInt32(&s.refCount, -1) }

// Connect dials the gateway and registers an EtherNet/IP session, then starts
// the reader pump goroutine. Safe to call again after Close to reconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	connString := s.addr + ":" + strconv.Itoa(int(s.port))
	timeout := s.timeout
	s.mu.Unlock()

	logging.DebugConnect("session", connString)

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", connString)
	if err != nil {
		logging.DebugConnectError("session", connString, err)
		metrics.SessionFailures.WithLabelValues(s.addr, "dial").Inc()
		return fmt.Errorf("eip: connect: %w", err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}

	s.mu.Lock()
	s.conn = conn
	s.session = 0
	s.closed = false
	s.mu.Unlock()

	handle, err := s.registerSession()
	if err != nil {
		_ = conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		logging.DebugError("session", "RegisterSession", err)
		metrics.SessionFailures.WithLabelValues(s.addr, "register").Inc()
		return fmt.Errorf("eip: register session: %w", err)
	}

	s.mu.Lock()
	s.session = handle
	s.readerDone = make(chan struct{})
	done := s.readerDone
	s.mu.Unlock()

	logging.DebugConnectSuccess("session", connString, fmt.Sprintf("session=0x%08X", handle))
	metrics.SessionRegistrations.WithLabelValues(s.addr).Inc()
	metrics.ActiveSessions.Inc()

	go s.pump(conn, done)
	return nil
}

// Close unregisters the session (best effort) and closes the socket,
// unblocking any in-flight callers with an error.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	handle := s.session
	wasOpen := s.session != 0
	s.closed = true
	s.conn = nil
	s.session = 0
	s.mu.Unlock()

	if wasOpen {
		metrics.ActiveSessions.Dec()
	}

	if conn == nil {
		return nil
	}

	if handle != 0 {
		msg := &EipEncap{Command: CommandUnregister, SessionHandle: handle}
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.writeMu.Lock()
		_, _ = conn.Write(msg.Bytes())
		s.writeMu.Unlock()
	}

	return conn.Close()
}

// IsConnected reports whether a session handle is currently registered.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.session != 0
}

func (s *Session) registerSession() (uint32, error) {
	s.mu.Lock()
	conn := s.conn
	timeout := s.timeout
	s.mu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("eip: register session: not connected")
	}

	msg := &EipEncap{Command: CommandRegisterSession, Data: []byte{1, 0, 0, 0}}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	data := msg.Bytes()
	logging.DebugTX("session", data)
	s.writeMu.Lock()
	_, err := conn.Write(data)
	s.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("eip: register session: write: %w", err)
	}

	resp, err := readEncap(conn)
	if err != nil {
		return 0, fmt.Errorf("eip: register session: read: %w", err)
	}
	logging.DebugRX("session", resp.Bytes())

	if resp.Status != 0 {
		return 0, fmt.Errorf("eip: register session: encap status 0x%08X", resp.Status)
	}
	if resp.SessionHandle == 0 {
		return 0, fmt.Errorf("eip: register session: got session handle 0")
	}
	return resp.SessionHandle, nil
}

func readEncap(conn net.Conn) (*EipEncap, error) {
	header := make([]byte, encapHeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint16(header[2:4])
	if length > 65511 {
		return nil, fmt.Errorf("eip: excessive payload length %d", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, err
		}
	}
	return ParseEipEncap(append(header, payload...))
}

// pump is the dedicated per-session reader goroutine: it owns the socket
// read side for the session's lifetime and dispatches each reply to the
// pending call matching its sender-context (unconnected) or connection
// sequence (connected), independent of which caller goroutine is blocked.
func (s *Session) pump(conn net.Conn, done chan struct{}) {
	defer close(done)

	for {
		resp, err := readEncap(conn)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				logging.DebugError("session", "pump read", err)
			}
			s.failAllPending(err)
			return
		}
		logging.DebugRX("session", resp.Bytes())
		s.dispatch(resp)
	}
}

func (s *Session) dispatch(resp *EipEncap) {
	switch resp.Command {
	case CommandSendRRData:
		tok := binary.LittleEndian.Uint64(resp.Context[:])
		s.complete(pendingKey{kind: pendingUnconnected, tok: tok}, resp)
	case CommandListIdentity:
		tok := binary.LittleEndian.Uint64(resp.Context[:])
		s.completeRaw(pendingKey{kind: pendingListIdentity, tok: tok}, resp)
	case CommandSendUnitData:
		cdata, err := ParseEipCommandData(resp.Data)
		if err != nil {
			return
		}
		cpacket, err := ParseEipCommonPacket(cdata.Packet)
		if err != nil {
			return
		}
		for _, item := range cpacket.Items {
			if item.TypeId == CpfConnectedTransportPacketId && len(item.Data) >= 2 {
				seq, _, err := cip.UnwrapConnected(item.Data)
				if err == nil {
					s.complete(pendingKey{kind: pendingConnected, tok: uint64(seq)}, resp)
				}
				return
			}
		}
	}
}

func (s *Session) complete(key pendingKey, resp *EipEncap) {
	v, ok := s.pending.LoadAndDelete(key)
	if !ok {
		return
	}
	call := v.(*pendingCall)

	result := pendingResult{err: nil}
	if resp.Status != 0 {
		result.err = fmt.Errorf("eip: encap status 0x%08X", resp.Status)
	} else {
		cdata, err := ParseEipCommandData(resp.Data)
		if err != nil {
			result.err = err
		} else {
			cpacket, err := ParseEipCommonPacket(cdata.Packet)
			if err != nil {
				result.err = err
			} else {
				result.packet = cpacket
			}
		}
	}
	call.resultCh <- result
}

// completeRaw delivers a reply whose Data is already a Common Packet Format
// payload (no EipCommandData wrapper), as with List Identity responses.
func (s *Session) completeRaw(key pendingKey, resp *EipEncap) {
	v, ok := s.pending.LoadAndDelete(key)
	if !ok {
		return
	}
	call := v.(*pendingCall)

	result := pendingResult{}
	if resp.Status != 0 {
		result.err = fmt.Errorf("eip: encap status 0x%08X", resp.Status)
	} else {
		cpacket, err := ParseEipCommonPacket(resp.Data)
		if err != nil {
			result.err = err
		} else {
			result.packet = cpacket
		}
	}
	call.resultCh <- result
}

func (s *Session) failAllPending(err error) {
	s.pending.Range(func(key, value any) bool {
		s.pending.Delete(key)
		value.(*pendingCall).resultCh <- pendingResult{err: fmt.Errorf("eip: session lost: %w", err)}
		return true
	})
}

// SendRRData issues an unconnected explicit request (Send RR Data, command
// 0x6F) and waits for the matching reply or ctx cancellation.
func (s *Session) SendRRData(ctx context.Context, packet EipCommonPacket) (*EipCommonPacket, error) {
	s.mu.Lock()
	conn := s.conn
	handle := s.session
	s.mu.Unlock()
	if conn == nil || handle == 0 {
		return nil, fmt.Errorf("eip: send rr data: not connected")
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	tok := atomic.AddUint64(&s.ctxSeq, 1)
	call := &pendingCall{resultCh: make(chan pendingResult, 1)}
	key := pendingKey{kind: pendingUnconnected, tok: tok}
	s.pending.Store(key, call)

	packetBytes := packet.Bytes()
	rrdata := EipCommandData{Packet: packetBytes}
	var encapCtx [8]byte
	binary.LittleEndian.PutUint64(encapCtx[:], tok)
	msg := &EipEncap{
		Command:       CommandSendRRData,
		SessionHandle: handle,
		Context:       encapCtx,
		Data:          rrdata.Bytes(),
	}

	if err := s.write(conn, msg); err != nil {
		s.pending.Delete(key)
		return nil, err
	}

	metrics.RequestsInFlight.WithLabelValues(s.addr).Inc()
	defer metrics.RequestsInFlight.WithLabelValues(s.addr).Dec()
	start := time.Now()
	resp, err := s.wait(ctx, key, call)
	metrics.RequestLatency.WithLabelValues("unconnected").Observe(time.Since(start).Seconds())
	return resp, err
}

// SendUnitData issues a connected explicit request (Send Unit Data, command
// 0x70) wrapping packet with the connection's next sequence number, and
// waits for the matching reply or ctx cancellation.
func (s *Session) SendUnitData(ctx context.Context, conn2 *cip.Connection, packet EipCommonPacket) (*EipCommonPacket, error) {
	s.mu.Lock()
	sockConn := s.conn
	handle := s.session
	s.mu.Unlock()
	if sockConn == nil || handle == 0 {
		return nil, fmt.Errorf("eip: send unit data: not connected")
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	for i := range packet.Items {
		if packet.Items[i].TypeId == CpfConnectedTransportPacketId {
			packet.Items[i].Data = conn2.WrapConnected(packet.Items[i].Data)
			packet.Items[i].Length = uint16(len(packet.Items[i].Data))
		}
	}

	var seq uint16
	for _, item := range packet.Items {
		if item.TypeId == CpfConnectedTransportPacketId {
			seq = binary.LittleEndian.Uint16(item.Data[:2])
		}
	}

	call := &pendingCall{resultCh: make(chan pendingResult, 1)}
	key := pendingKey{kind: pendingConnected, tok: uint64(seq)}
	s.pending.Store(key, call)

	cmd := EipCommandData{Packet: packet.Bytes()}
	msg := &EipEncap{
		Command:       CommandSendUnitData,
		SessionHandle: handle,
		Data:          cmd.Bytes(),
	}

	if err := s.write(sockConn, msg); err != nil {
		s.pending.Delete(key)
		return nil, err
	}

	metrics.RequestsInFlight.WithLabelValues(s.addr).Inc()
	defer metrics.RequestsInFlight.WithLabelValues(s.addr).Dec()
	start := time.Now()
	resp, err := s.wait(ctx, key, call)
	metrics.RequestLatency.WithLabelValues("connected").Observe(time.Since(start).Seconds())
	return resp, err
}

func (s *Session) write(conn net.Conn, msg *EipEncap) error {
	data := msg.Bytes()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	defer conn.SetWriteDeadline(time.Time{})
	logging.DebugTX("session", data)
	_, err := conn.Write(data)
	return err
}

// wait blocks for the matching reply, the caller's ctx, or a fallback
// deadline derived from the session's own timeout — so a request can never
// sit in s.pending forever even if ctx carries no deadline of its own.
func (s *Session) wait(ctx context.Context, key pendingKey, call *pendingCall) (*EipCommonPacket, error) {
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.resultCh:
		return res.packet, res.err
	case <-ctx.Done():
		s.pending.Delete(key)
		return nil, ctx.Err()
	case <-timer.C:
		s.pending.Delete(key)
		return nil, fmt.Errorf("eip: request timed out after %s", timeout)
	}
}

// listIdentityRaw issues a List Identity request (command 0x63) over the
// session's existing TCP connection and returns the parsed Common Packet
// Format, before it is decoded into Identity records (see identity.go). The
// reply is matched through the same pump/context-token mechanism as other
// requests rather than reading the socket directly, since the pump
// goroutine already owns the read side of this connection.
func (s *Session) listIdentityRaw(ctx context.Context) (*EipCommonPacket, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("eip: list identity: not connected")
	}

	tok := atomic.AddUint64(&s.ctxSeq, 1)
	call := &pendingCall{resultCh: make(chan pendingResult, 1)}
	key := pendingKey{kind: pendingListIdentity, tok: tok}
	s.pending.Store(key, call)

	var encapCtx [8]byte
	binary.LittleEndian.PutUint64(encapCtx[:], tok)
	msg := &EipEncap{Command: CommandListIdentity, Context: encapCtx}

	if err := s.write(conn, msg); err != nil {
		s.pending.Delete(key)
		return nil, err
	}

	return s.wait(ctx, key, call)
}
