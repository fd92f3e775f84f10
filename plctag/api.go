// Package plctag is a client library for Allen-Bradley/Rockwell PLCs over
// EtherNet/IP, modeled on the handle-indexed C API of libplctag: callers
// create a tag from an attribute string, poll its status, and read/write
// its in-memory payload buffer.
package plctag

import (
	"time"

	"github.com/yatesdr/plctag/cip"
	"github.com/yatesdr/plctag/eip"
	"github.com/yatesdr/plctag/logging"
)

var (
	handles  = newHandleTable()
	registry = eip.NewRegistry(5 * time.Second)
)

// SetDebugLevel enables or disables wire-level debug logging to the given
// file path. level <= 0 disables logging (and closes any existing logger).
func SetDebugLevel(level int, path string) error {
	if level <= 0 {
		if l := logging.GetGlobalDebugLogger(); l != nil {
			_ = l.Close()
			logging.SetGlobalDebugLogger(nil)
		}
		return nil
	}

	l, err := logging.NewDebugLogger(path)
	if err != nil {
		return err
	}
	logging.SetGlobalDebugLogger(l)
	return nil
}

// Create parses an attribute string (§4.1) and allocates a new tag handle.
// The tag starts in StateInit; its session connects (and, for connected-mode
// families, forward-opens) in the background. timeoutMs bounds how long
// Create blocks waiting for that to finish; 0 returns immediately with the
// tag still possibly initializing (poll Status to find out when it is
// ready).
func Create(attrString string, timeoutMs int) (int32, Status) {
	a, err := parseAttrs(attrString)
	if err != nil {
		return 0, err.(*TagError).Kind
	}

	path, dhpDest, err2 := cip.EncodePath(a.path, a.useConnectedMsg, a.family)
	if err2 != nil {
		return 0, StatusErrBadParam
	}

	bitSpace := a.elemSize * a.elemCount * 8
	var encodedName cip.EncodedName
	if !a.family.UsesPCCC() {
		encodedName, err2 = cip.EncodeName(a.name, bitSpace)
		if err2 != nil {
			return 0, StatusErrBadParam
		}
	}

	tag := &Tag{
		gateway:     a.gateway,
		rawPath:     a.path,
		rawName:     a.name,
		family:      a.family,
		elemSize:    a.elemSize,
		elemCt:      a.elemCount,
		connected:   a.useConnectedMsg,
		encodedPath: path,
		dhpDest:     dhpDest,
		encodedName: encodedName,
		payload:     make([]byte, a.elemSize*a.elemCount),
		registry:    registry,
		sessionKey: eip.SessionKey{
			Gateway:    a.gateway,
			PathPrefix: a.path,
			Family:     a.family,
			Connected:  a.useConnectedMsg,
		},
		state: StateInit,
	}

	handle := handles.allocate(tag)
	tag.handle = handle

	if err := tag.beginCreate(timeoutMs); err != nil {
		return handle, toTagError(err).Kind
	}
	return handle, tag.Status()
}

// lookup borrows the tag for handle, or returns a NOT_FOUND status sentinel
// when the handle is unknown or has already been destroyed.
func lookup(handle int32) (*Tag, Status) {
	tag := handles.borrow(handle)
	if tag == nil {
		return nil, StatusErrNotFound
	}
	return tag, StatusOK
}

// GetStatus returns handle's current status without blocking.
func GetStatus(handle int32) Status {
	tag, st := lookup(handle)
	if tag == nil {
		return st
	}
	defer handles.release(tag)
	return tag.Status()
}

// Read issues a read for handle; see Tag.Read for the timeoutMs semantics.
func Read(handle int32, timeoutMs int) Status {
	tag, st := lookup(handle)
	if tag == nil {
		return st
	}
	defer handles.release(tag)
	return tag.Read(timeoutMs)
}

// Write issues a write for handle; see Tag.Write for the timeoutMs semantics.
func Write(handle int32, timeoutMs int) Status {
	tag, st := lookup(handle)
	if tag == nil {
		return st
	}
	defer handles.release(tag)
	return tag.Write(timeoutMs)
}

// Destroy releases handle. Safe to call more than once; the second call
// returns ERR_NOT_FOUND.
func Destroy(handle int32) Status {
	tag := handles.borrow(handle)
	if tag == nil {
		return StatusErrNotFound
	}

	destroyErr := handles.destroy(handle)
	tag.destroyInternal()
	handles.release(tag)

	if destroyErr != nil {
		return destroyErr.Kind
	}
	return StatusOK
}

// GetSize returns the tag's payload buffer size in bytes.
func GetSize(handle int32) (int, Status) {
	tag, st := lookup(handle)
	if tag == nil {
		return 0, st
	}
	defer handles.release(tag)
	return len(tag.payload), StatusOK
}

// GetBit returns the bit at the tag's encoded bit index (a trailing ".N" bit
// reference in the tag name), reading it out of the element containing it.
// A tag whose name has no bit reference is rejected as unsupported.
func GetBit(handle int32) (bool, Status) {
	tag, st := lookup(handle)
	if tag == nil {
		return false, st
	}
	defer handles.release(tag)

	if !tag.encodedName.IsBit {
		return false, errUnsupported("tag %q is not a bit reference", tag.rawName).Kind
	}
	byteIdx := tag.encodedName.Bit / 8
	bitIdx := uint(tag.encodedName.Bit % 8)
	if byteIdx >= len(tag.payload) {
		return false, StatusErrBadParam
	}
	return tag.payload[byteIdx]&(1<<bitIdx) != 0, StatusOK
}

// SetBit sets or clears the bit at the tag's encoded bit index in the local
// payload buffer; call Write afterward to push it to the PLC. Neither SetBit
// nor Write reads the PLC first: Write sends the whole local payload, so the
// other bits of the element go out as whatever the local buffer holds.
func SetBit(handle int32, value bool) Status {
	tag, st := lookup(handle)
	if tag == nil {
		return st
	}
	defer handles.release(tag)

	if !tag.encodedName.IsBit {
		return errUnsupported("tag %q is not a bit reference", tag.rawName).Kind
	}
	byteIdx := tag.encodedName.Bit / 8
	bitIdx := uint(tag.encodedName.Bit % 8)
	if byteIdx >= len(tag.payload) {
		return StatusErrBadParam
	}
	if value {
		tag.payload[byteIdx] |= 1 << bitIdx
	} else {
		tag.payload[byteIdx] &^= 1 << bitIdx
	}
	return StatusOK
}

// GetIntN reads a signed integer of size bytes (1, 2, 4, or 8) starting at
// byteOffset out of the tag's local payload buffer.
func GetIntN(handle int32, byteOffset int, size int) (int64, Status) {
	tag, st := lookup(handle)
	if tag == nil {
		return 0, st
	}
	defer handles.release(tag)

	raw, ok := sliceAt(tag.payload, byteOffset, size)
	if !ok {
		return 0, StatusErrBadParam
	}
	return decodeIntN(raw), StatusOK
}

// SetIntN writes a signed integer of size bytes (1, 2, 4, or 8) into the
// tag's local payload buffer at byteOffset; call Write to push it out.
func SetIntN(handle int32, byteOffset int, size int, value int64) Status {
	tag, st := lookup(handle)
	if tag == nil {
		return st
	}
	defer handles.release(tag)

	raw, ok := sliceAt(tag.payload, byteOffset, size)
	if !ok {
		return StatusErrBadParam
	}
	encodeIntN(raw, value)
	return StatusOK
}

// GetFloat32 reads an IEEE-754 float32 starting at byteOffset.
func GetFloat32(handle int32, byteOffset int) (float32, Status) {
	tag, st := lookup(handle)
	if tag == nil {
		return 0, st
	}
	defer handles.release(tag)

	raw, ok := sliceAt(tag.payload, byteOffset, 4)
	if !ok {
		return 0, StatusErrBadParam
	}
	return decodeFloat32(raw), StatusOK
}

// SetFloat32 writes an IEEE-754 float32 at byteOffset in the tag's local
// payload buffer; call Write to push it out.
func SetFloat32(handle int32, byteOffset int, value float32) Status {
	tag, st := lookup(handle)
	if tag == nil {
		return st
	}
	defer handles.release(tag)

	raw, ok := sliceAt(tag.payload, byteOffset, 4)
	if !ok {
		return StatusErrBadParam
	}
	encodeFloat32(raw, value)
	return StatusOK
}

func sliceAt(payload []byte, offset, size int) ([]byte, bool) {
	if offset < 0 || size < 0 || offset+size > len(payload) {
		return nil, false
	}
	return payload[offset : offset+size], true
}
