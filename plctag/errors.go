package plctag

import (
	"fmt"

	"github.com/yatesdr/plctag/cip"
)

// Status codes returned by public operations. Success is 0; PENDING is a
// distinct positive sentinel; everything else is a negative error kind.
type Status int32

const (
	StatusPending Status = 1
	StatusOK      Status = 0

	StatusErrBadParam     Status = -1
	StatusErrNoMem        Status = -2
	StatusErrNotFound     Status = -3
	StatusErrBusy         Status = -4
	StatusErrTimeout      Status = -5
	StatusErrAbort        Status = -6
	StatusErrBadConnection Status = -7
	StatusErrBadReply     Status = -8
	StatusErrPLC          Status = -9
	StatusErrUnsupported  Status = -10
)

var statusNames = map[Status]string{
	StatusPending:          "PENDING",
	StatusOK:               "OK",
	StatusErrBadParam:      "ERR_BAD_PARAM",
	StatusErrNoMem:         "ERR_NO_MEM",
	StatusErrNotFound:      "ERR_NOT_FOUND",
	StatusErrBusy:          "ERR_BUSY",
	StatusErrTimeout:       "ERR_TIMEOUT",
	StatusErrAbort:         "ERR_ABORT",
	StatusErrBadConnection: "ERR_BAD_CONNECTION",
	StatusErrBadReply:      "ERR_BAD_REPLY",
	StatusErrPLC:           "ERR_PLC_STATUS",
	StatusErrUnsupported:   "ERR_UNSUPPORTED",
}

// String names a status the way DecodeError exposes to callers.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ERR_UNKNOWN(%d)", int32(s))
}

// TagError is the library's error taxonomy (§7): a Status kind plus, for
// PLC_STATUS errors, the verbatim general/extended status the PLC returned.
type TagError struct {
	Kind       Status
	GeneralCIP byte
	ExtendedCIP uint16
	cause      error
}

func (e *TagError) Error() string {
	if e.Kind == StatusErrPLC {
		ext := cip.ExtendedStatusName(e.ExtendedCIP)
		if ext == "" {
			return fmt.Sprintf("plctag: PLC_STATUS(0x%02X %s)", e.GeneralCIP, cip.GeneralStatusName(e.GeneralCIP))
		}
		return fmt.Sprintf("plctag: PLC_STATUS(0x%02X %s, ext=%s)", e.GeneralCIP, cip.GeneralStatusName(e.GeneralCIP), ext)
	}
	if e.cause != nil {
		return fmt.Sprintf("plctag: %s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("plctag: %s", e.Kind)
}

func (e *TagError) Unwrap() error { return e.cause }

// Code returns the negative status sentinel public API functions return.
func (e *TagError) Code() int32 { return int32(e.Kind) }

func errBadParam(format string, args ...any) *TagError {
	return &TagError{Kind: StatusErrBadParam, cause: fmt.Errorf(format, args...)}
}

func errNotFound(format string, args ...any) *TagError {
	return &TagError{Kind: StatusErrNotFound, cause: fmt.Errorf(format, args...)}
}

func errBusy() *TagError {
	return &TagError{Kind: StatusErrBusy, cause: fmt.Errorf("operation already in flight")}
}

func errTimeout() *TagError {
	return &TagError{Kind: StatusErrTimeout, cause: fmt.Errorf("deadline exceeded")}
}

func errAbort() *TagError {
	return &TagError{Kind: StatusErrAbort, cause: fmt.Errorf("tag destroyed mid-operation")}
}

func errBadConnection(cause error) *TagError {
	return &TagError{Kind: StatusErrBadConnection, cause: cause}
}

func errBadReply(cause error) *TagError {
	return &TagError{Kind: StatusErrBadReply, cause: cause}
}

func errUnsupported(format string, args ...any) *TagError {
	return &TagError{Kind: StatusErrUnsupported, cause: fmt.Errorf(format, args...)}
}

func errPLCStatus(general byte, extended []uint16) *TagError {
	var ext uint16
	if len(extended) > 0 {
		ext = extended[0]
	}
	return &TagError{Kind: StatusErrPLC, GeneralCIP: general, ExtendedCIP: ext}
}

// DecodeError returns the static string naming a status code, per §6.
func DecodeError(code int32) string {
	return Status(code).String()
}
