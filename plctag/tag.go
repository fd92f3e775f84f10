package plctag

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/yatesdr/plctag/cip"
	"github.com/yatesdr/plctag/eip"
	"github.com/yatesdr/plctag/logging"
	"github.com/yatesdr/plctag/metrics"
)

// TagState is the tag's protocol state (§4.6).
type TagState int

const (
	StateInit TagState = iota
	StateReady
	StateReadPending
	StateWritePending
	StateAborted
	StateDestroyed
)

// fragmentThreshold is the payload size above which writes switch to the
// fragmented write service symmetrically with fragmented reads.
const fragmentThreshold = 450

// asyncOpTimeout bounds a create/read/write's background operation when the
// caller passed timeout_ms == 0 (non-blocking). Without a bound here, a
// silent gateway would pin the tag in *_PENDING forever instead of ever
// completing with TIMEOUT, per the requirement that every queued request
// eventually completes, is cancelled, or times out.
const asyncOpTimeout = 30 * time.Second

// opDeadline is the bound placed on a create/read/write's background
// context: the caller's own timeout when blocking, or asyncOpTimeout as a
// backstop for the non-blocking (timeout_ms == 0) case.
func opDeadline(timeoutMs int) time.Duration {
	if timeoutMs > 0 {
		return time.Duration(timeoutMs) * time.Millisecond
	}
	return asyncOpTimeout
}

// parseCIPResponse wraps cip.ParseResponse to record the reply's general
// status for observability before handing it back to the caller.
func parseCIPResponse(raw []byte) (cip.Response, error) {
	resp, err := cip.ParseResponse(raw)
	if err == nil {
		metrics.CIPStatusTotal.WithLabelValues(fmt.Sprintf("0x%02X", resp.GeneralStatus)).Inc()
	}
	return resp, err
}

// Tag is one handle-indexed tag: identity, payload buffer, and protocol
// state machine. Grounded on yatesdr-warlogix/logix/plc.go's
// ReadTag/ReadTagFragmented/readTagChunked/WriteTagCount for the exact
// fragmented-transfer retry shape, restated here as an explicit polled
// state machine (create/read/write kick off a goroutine and return
// immediately in non-blocking mode) instead of the teacher's function that
// runs a whole retry loop to completion, since status() must be pollable
// between steps.
type Tag struct {
	handle int32

	gateway  string
	rawPath  string
	rawName  string
	family   cip.Family
	elemSize int
	elemCt   int
	connected bool

	encodedPath []byte
	dhpDest     int
	encodedName cip.EncodedName

	payload []byte

	registry   *eip.Registry
	sessionKey eip.SessionKey
	session    *eip.Session
	conn       *cip.Connection

	mu       sync.Mutex
	state    TagState
	lastErr  *TagError
	cancel   context.CancelFunc

	refMu      sync.Mutex
	refCount   int
	destroyed  bool
}

func (t *Tag) setState(s TagState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tag) setError(err *TagError) {
	t.mu.Lock()
	t.lastErr = err
	t.state = StateReady
	t.mu.Unlock()
}

// Status returns the tag's current status code (§4.6), never blocking.
func (t *Tag) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateInit, StateReadPending, StateWritePending:
		return StatusPending
	case StateAborted:
		return StatusErrAbort
	case StateDestroyed:
		return StatusErrNotFound
	default:
		if t.lastErr != nil {
			return t.lastErr.Kind
		}
		return StatusOK
	}
}

// LastError returns the detailed error from the last failed operation, or
// nil if the last operation succeeded.
func (t *Tag) LastError() *TagError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// beginCreate resolves (or creates) the shared session for the tag and
// forward-opens a connection if the family/attribute requires one. It
// blocks up to timeoutMs milliseconds when timeoutMs > 0; otherwise it
// launches the work in the background and returns immediately with the tag
// left in StateInit.
func (t *Tag) beginCreate(timeoutMs int) error {
	ready := make(chan error, 1)

	ctx, cancel := context.WithTimeout(context.Background(), opDeadline(timeoutMs))
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		err := t.connectSession(ctx)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				t.setError(errTimeout())
			} else {
				t.setError(toTagError(err))
			}
		} else {
			t.setState(StateReady)
		}
		ready <- err
	}()

	if timeoutMs <= 0 {
		return nil
	}

	select {
	case err := <-ready:
		return err
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil // caller polls Status(); still StateInit
	}
}

func (t *Tag) connectSession(ctx context.Context) error {
	sess, err := t.registry.Acquire(ctx, t.sessionKey)
	if err != nil {
		return err
	}
	t.session = sess

	if t.connected {
		cfg := cip.DefaultForwardOpenConfig()
		cfg.ConnectionPath = append(cip.Path{}, t.encodedPath...)

		body, connSerial, err := cip.BuildForwardOpenRequest(cfg)
		if err != nil {
			return err
		}

		resp, err := sendUnconnected(ctx, sess, body)
		if err != nil {
			return err
		}

		parsed, err := parseCIPResponse(resp)
		if err != nil {
			return err
		}
		if parsed.GeneralStatus != cip.StatusSuccess {
			return errPLCStatus(parsed.GeneralStatus, parsed.AdditionalStatus)
		}

		foResp, err := cip.ParseForwardOpenResponse(parsed.Data)
		if err != nil {
			return err
		}

		t.conn = &cip.Connection{
			OTConnID:     foResp.OTConnectionID,
			TOConnID:     foResp.TOConnectionID,
			SerialNumber: connSerial,
			VendorID:     cfg.VendorID,
			OrigSerial:   cfg.OriginatorSerial,
		}
	}

	return nil
}

// sendUnconnected wraps a CIP request body in a CPF unconnected-data item
// and issues it over the session as Send RR Data, returning the raw CIP
// response bytes.
func sendUnconnected(ctx context.Context, sess *eip.Session, cipBody []byte) ([]byte, error) {
	packet := eip.EipCommonPacket{
		Items: []eip.EipCommonPacketItem{
			{TypeId: eip.CpfAddressNullId, Length: 0},
			{TypeId: eip.CpfUnconnectedMessageId, Length: uint16(len(cipBody)), Data: cipBody},
		},
	}

	respPacket, err := sess.SendRRData(ctx, packet)
	if err != nil {
		return nil, err
	}
	for _, item := range respPacket.Items {
		if item.TypeId == eip.CpfUnconnectedMessageId {
			return item.Data, nil
		}
	}
	return nil, fmt.Errorf("eip: send rr data: no unconnected data item in reply")
}

// sendConnected wraps a CIP request body in a CPF connected-data item and
// issues it over the session as Send Unit Data, returning the raw CIP
// response bytes.
func sendConnected(ctx context.Context, sess *eip.Session, conn *cip.Connection, cipBody []byte) ([]byte, error) {
	packet := eip.EipCommonPacket{
		Items: []eip.EipCommonPacketItem{
			{TypeId: eip.CpfAddressConnectionId, Length: 4, Data: binary.LittleEndian.AppendUint32(nil, conn.OTConnID)},
			{TypeId: eip.CpfConnectedTransportPacketId, Data: cipBody},
		},
	}

	respPacket, err := sess.SendUnitData(ctx, conn, packet)
	if err != nil {
		return nil, err
	}
	for _, item := range respPacket.Items {
		if item.TypeId == eip.CpfConnectedTransportPacketId {
			_, payload, err := cip.UnwrapConnected(item.Data)
			if err != nil {
				return nil, err
			}
			return payload, nil
		}
	}
	return nil, fmt.Errorf("eip: send unit data: no connected data item in reply")
}

func (t *Tag) send(ctx context.Context, cipBody []byte) ([]byte, error) {
	if t.connected && t.conn != nil {
		return sendConnected(ctx, t.session, t.conn, cipBody)
	}
	return sendUnconnected(ctx, t.session, cipBody)
}

// Read transitions READY -> READ_PENDING and issues a Read Tag (or
// fragmented/PCCC) request. timeoutMs==0 returns PENDING immediately;
// timeoutMs>0 blocks up to that bound.
func (t *Tag) Read(timeoutMs int) Status {
	t.mu.Lock()
	if t.state == StateReadPending || t.state == StateWritePending {
		t.mu.Unlock()
		return errBusy().Kind
	}
	if t.state == StateDestroyed {
		t.mu.Unlock()
		return StatusErrNotFound
	}
	t.state = StateReadPending
	ctx, cancel := context.WithTimeout(context.Background(), opDeadline(timeoutMs))
	t.cancel = cancel
	t.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- t.runRead(ctx)
	}()

	return t.awaitOrPending(timeoutMs, done)
}

// Write transitions READY -> WRITE_PENDING and issues a Write Tag (or
// fragmented/PCCC) request, symmetric with Read.
func (t *Tag) Write(timeoutMs int) Status {
	t.mu.Lock()
	if t.state == StateReadPending || t.state == StateWritePending {
		t.mu.Unlock()
		return errBusy().Kind
	}
	if t.state == StateDestroyed {
		t.mu.Unlock()
		return StatusErrNotFound
	}
	t.state = StateWritePending
	ctx, cancel := context.WithTimeout(context.Background(), opDeadline(timeoutMs))
	t.cancel = cancel
	t.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- t.runWrite(ctx)
	}()

	return t.awaitOrPending(timeoutMs, done)
}

func (t *Tag) awaitOrPending(timeoutMs int, done chan error) Status {
	if timeoutMs <= 0 {
		return StatusPending
	}
	select {
	case <-done:
		return t.Status()
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return StatusPending
	}
}

func (t *Tag) runRead(ctx context.Context) error {
	var err error
	if t.family.UsesPCCC() {
		err = t.runPCCCRead(ctx)
	} else {
		err = t.runLogixRead(ctx)
	}

	if err != nil {
		switch ctx.Err() {
		case context.Canceled:
			t.mu.Lock()
			t.state = StateAborted
			t.lastErr = errAbort()
			t.mu.Unlock()
			return err
		case context.DeadlineExceeded:
			t.setError(errTimeout())
			return err
		}
		t.setError(toTagError(err))
		return err
	}

	t.setState(StateReady)
	t.mu.Lock()
	t.lastErr = nil
	t.mu.Unlock()
	return nil
}

func (t *Tag) runLogixRead(ctx context.Context) error {
	if len(t.payload) <= fragmentThreshold {
		body := make([]byte, 0, 1+len(t.encodedName.IOI)+2)
		body = append(body, cip.ServiceReadTag)
		body = append(body, t.encodedName.IOI...)
		body = binary.LittleEndian.AppendUint16(body, 1)

		raw, err := t.send(ctx, body)
		if err != nil {
			return err
		}
		resp, err := parseCIPResponse(raw)
		if err != nil {
			return errBadReply(err)
		}
		if resp.GeneralStatus != cip.StatusSuccess {
			return errPLCStatus(resp.GeneralStatus, resp.AdditionalStatus)
		}
		if len(resp.Data) < 2 {
			return errBadReply(fmt.Errorf("short read tag response"))
		}
		copy(t.payload, resp.Data[2:])
		return nil
	}

	return t.runFragmentedRead(ctx)
}

// runFragmentedRead issues Read Tag Fragmented requests with an advancing
// byte offset until the PLC stops reporting a partial transfer.
func (t *Tag) runFragmentedRead(ctx context.Context) error {
	offset := uint32(0)
	for int(offset) < len(t.payload) {
		body := make([]byte, 0, 1+len(t.encodedName.IOI)+6)
		body = append(body, cip.ServiceReadTagFragmented)
		body = append(body, t.encodedName.IOI...)
		body = binary.LittleEndian.AppendUint16(body, 1)
		body = binary.LittleEndian.AppendUint32(body, offset)

		raw, err := t.send(ctx, body)
		if err != nil {
			return err
		}
		resp, err := parseCIPResponse(raw)
		if err != nil {
			return errBadReply(err)
		}
		partial := cip.IsPartialTransfer(resp.GeneralStatus)
		if resp.GeneralStatus != cip.StatusSuccess && !partial {
			return errPLCStatus(resp.GeneralStatus, resp.AdditionalStatus)
		}
		if len(resp.Data) < 2 {
			return errBadReply(fmt.Errorf("short fragmented read response"))
		}
		chunk := resp.Data[2:]
		n := copy(t.payload[offset:], chunk)
		offset += uint32(n)

		if !partial {
			break
		}
	}
	return nil
}

func (t *Tag) runWrite(ctx context.Context) error {
	var err error
	if t.family.UsesPCCC() {
		err = t.runPCCCWrite(ctx)
	} else {
		err = t.runLogixWrite(ctx)
	}

	if err != nil {
		switch ctx.Err() {
		case context.Canceled:
			t.mu.Lock()
			t.state = StateAborted
			t.lastErr = errAbort()
			t.mu.Unlock()
			return err
		case context.DeadlineExceeded:
			t.setError(errTimeout())
			return err
		}
		t.setError(toTagError(err))
		return err
	}

	t.setState(StateReady)
	t.mu.Lock()
	t.lastErr = nil
	t.mu.Unlock()
	return nil
}

func (t *Tag) runLogixWrite(ctx context.Context) error {
	if len(t.payload) <= fragmentThreshold {
		body := make([]byte, 0, 1+len(t.encodedName.IOI)+4+len(t.payload))
		body = append(body, cip.ServiceWriteTag)
		body = append(body, t.encodedName.IOI...)
		body = binary.LittleEndian.AppendUint16(body, logixDataType(t.elemSize))
		body = binary.LittleEndian.AppendUint16(body, 1)
		body = append(body, t.payload...)

		raw, err := t.send(ctx, body)
		if err != nil {
			return err
		}
		resp, err := parseCIPResponse(raw)
		if err != nil {
			return errBadReply(err)
		}
		if resp.GeneralStatus != cip.StatusSuccess {
			return errPLCStatus(resp.GeneralStatus, resp.AdditionalStatus)
		}
		return nil
	}

	return t.runFragmentedWrite(ctx)
}

func (t *Tag) runFragmentedWrite(ctx context.Context) error {
	offset := uint32(0)
	for int(offset) < len(t.payload) {
		remaining := len(t.payload) - int(offset)
		chunkSize := remaining
		if chunkSize > fragmentThreshold {
			chunkSize = fragmentThreshold
		}

		body := make([]byte, 0, 1+len(t.encodedName.IOI)+8+chunkSize)
		body = append(body, cip.ServiceWriteTagFragmented)
		body = append(body, t.encodedName.IOI...)
		body = binary.LittleEndian.AppendUint16(body, logixDataType(t.elemSize))
		body = binary.LittleEndian.AppendUint16(body, 1)
		body = binary.LittleEndian.AppendUint32(body, offset)
		body = append(body, t.payload[offset:int(offset)+chunkSize]...)

		raw, err := t.send(ctx, body)
		if err != nil {
			return err
		}
		resp, err := parseCIPResponse(raw)
		if err != nil {
			return errBadReply(err)
		}
		partial := cip.IsPartialTransfer(resp.GeneralStatus)
		if resp.GeneralStatus != cip.StatusSuccess && !partial {
			return errPLCStatus(resp.GeneralStatus, resp.AdditionalStatus)
		}
		offset += uint32(chunkSize)
	}
	return nil
}

// logixDataType is a minimal best-effort guess of the CIP elementary data
// type code from element size, used only to populate the Write Tag
// request's type field; the PLC's own tag database is authoritative and
// rejects a mismatched size regardless of what is sent here.
func logixDataType(elemSize int) uint16 {
	switch elemSize {
	case 1:
		return 0x00C2 // SINT
	case 2:
		return 0x00C3 // INT
	case 4:
		return 0x00C4 // DINT
	case 8:
		return 0x00C5 // LINT
	default:
		return 0x00C4
	}
}

func (t *Tag) runPCCCRead(ctx context.Context) error {
	addr, err := cip.ParseAddress(t.rawName)
	if err != nil {
		return err
	}

	body := cip.BuildExecutePCCCRequest(0x1337, 42, 1, cip.BuildPCCCTypedRead(1, addr, t.elemCt))
	req := cip.Request{Service: cip.ServiceExecutePCCC, Path: t.encodedPath, Data: body}

	raw, err := t.send(ctx, req.Marshal())
	if err != nil {
		return err
	}
	resp, err := parseCIPResponse(raw)
	if err != nil {
		return errBadReply(err)
	}
	if resp.GeneralStatus != cip.StatusSuccess {
		return errPLCStatus(resp.GeneralStatus, resp.AdditionalStatus)
	}

	pcccReply, err := cip.ParsePCCCReply(resp.Data[8:])
	if err != nil {
		return errBadReply(err)
	}
	if pcccReply.Status != 0 {
		return errPLCStatus(pcccReply.Status, nil)
	}
	copy(t.payload, pcccReply.Data)
	return nil
}

func (t *Tag) runPCCCWrite(ctx context.Context) error {
	addr, err := cip.ParseAddress(t.rawName)
	if err != nil {
		return err
	}

	body := cip.BuildExecutePCCCRequest(0x1337, 42, 1, cip.BuildPCCCTypedWrite(1, addr, t.payload))
	req := cip.Request{Service: cip.ServiceExecutePCCC, Path: t.encodedPath, Data: body}

	raw, err := t.send(ctx, req.Marshal())
	if err != nil {
		return err
	}
	resp, err := parseCIPResponse(raw)
	if err != nil {
		return errBadReply(err)
	}
	if resp.GeneralStatus != cip.StatusSuccess {
		return errPLCStatus(resp.GeneralStatus, resp.AdditionalStatus)
	}

	pcccReply, err := cip.ParsePCCCReply(resp.Data[8:])
	if err != nil {
		return errBadReply(err)
	}
	if pcccReply.Status != 0 {
		return errPLCStatus(pcccReply.Status, nil)
	}
	return nil
}

func toTagError(err error) *TagError {
	if te, ok := err.(*TagError); ok {
		return te
	}
	return errBadConnection(err)
}

// destroyInternal cancels any pending operation and releases the tag's
// session reference. Destroy calls this right after removing the handle from
// the handle table, even if other callers still hold a borrowed reference.
func (t *Tag) destroyInternal() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.state = StateDestroyed
	t.mu.Unlock()

	if t.session != nil {
		logging.DebugLog("plctag", "releasing session for handle %d", t.handle)
		t.registry.Release(t.sessionKey, t.session)
	}
}
