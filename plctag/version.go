package plctag

import "fmt"

// Library version, mirrored from the packed-u32 version scheme CheckLibVersion
// and GetLibVersion expose (major/minor/patch packed into one byte each).
const (
	VersionMajor = 2
	VersionMinor = 1
	VersionPatch = 0
)

func packVersion(major, minor, patch int) uint32 {
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
}

func unpackVersion(v uint32) (major, minor, patch int) {
	return int(v >> 16 & 0xFF), int(v >> 8 & 0xFF), int(v & 0xFF)
}

// GetLibVersion returns the running library version packed as a u32
// (major<<16 | minor<<8 | patch).
func GetLibVersion() uint32 {
	return packVersion(VersionMajor, VersionMinor, VersionPatch)
}

// CheckLibVersion compares requiredPacked against the running library
// version. A caller is compatible if the running major matches and the
// running (minor, patch) is greater than or equal to what was required.
func CheckLibVersion(requiredPacked uint32) Status {
	reqMajor, reqMinor, reqPatch := unpackVersion(requiredPacked)
	if reqMajor != VersionMajor {
		return StatusErrUnsupported
	}
	if VersionMinor > reqMinor {
		return StatusOK
	}
	if VersionMinor == reqMinor && VersionPatch >= reqPatch {
		return StatusOK
	}
	return StatusErrUnsupported
}

// VersionString renders the running version the way a debug log line would.
func VersionString() string {
	return fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}
