package cip

import (
	"fmt"
	"strconv"
	"strings"
)

// Family selects the encoding dialect and whether a forward-open is required.
type Family string

const (
	FamilyPLC5     Family = "PLC5"
	FamilySLC      Family = "SLC"
	FamilyMLGX     Family = "MLGX"
	FamilyLGX      Family = "LGX"
	FamilyMicro800 Family = "Micro800"
	FamilyOmronNJ  Family = "OMRON-NJNX"
)

// UsesPCCC reports whether the family tunnels requests as PCCC inside CIP
// service 0x4B instead of issuing native Read/Write Tag services.
func (f Family) UsesPCCC() bool {
	switch f {
	case FamilyPLC5, FamilySLC, FamilyMLGX:
		return true
	default:
		return false
	}
}

// MaxInFlight is the session-level concurrency cap for the family: PCCC
// dialects tolerate only one outstanding request per session, native
// Logix-style families pipeline up to four.
func (f Family) MaxInFlight() int {
	if f.UsesPCCC() {
		return 1
	}
	return 4
}

// dhpChannel maps a DH+ channel character to its wire channel number.
// A/a/2 -> 1, B/b/3 -> 2.
func dhpChannel(c byte) (byte, bool) {
	switch c {
	case 'A', 'a', '2':
		return 1, true
	case 'B', 'b', '3':
		return 2, true
	default:
		return 0, false
	}
}

// dhpTriple is a parsed "channel:src:dest" segment.
type dhpTriple struct {
	channel byte
	src     int
	dest    int
}

// parseDHP attempts to parse segment as a DH+ triple. ok is false if the
// segment does not match the triple grammar at all (so the caller can try
// the plain-integer form instead).
func parseDHP(segment string) (dhpTriple, bool, error) {
	if len(segment) == 0 {
		return dhpTriple{}, false, nil
	}
	ch, ok := dhpChannel(segment[0])
	if !ok {
		return dhpTriple{}, false, nil
	}
	rest := segment[1:]
	if !strings.HasPrefix(rest, ":") {
		return dhpTriple{}, false, nil
	}
	parts := strings.Split(rest[1:], ":")
	if len(parts) != 2 {
		return dhpTriple{}, false, nil
	}
	src, err := parseDHPNode(parts[0])
	if err != nil {
		return dhpTriple{}, true, err
	}
	dest, err := parseDHPNode(parts[1])
	if err != nil {
		return dhpTriple{}, true, err
	}
	return dhpTriple{channel: ch, src: src, dest: dest}, true, nil
}

// parseDHPNode parses a DH+ node id. The grammar caps node ids at three
// decimal digits; anything that doesn't fit (value or digit count) is a
// bad parameter rather than a silently truncated byte.
func parseDHPNode(s string) (int, error) {
	if len(s) == 0 || len(s) > 3 {
		return 0, fmt.Errorf("cip: bad parameter: invalid DH+ node %q", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("cip: bad parameter: invalid DH+ node %q", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("cip: bad parameter: invalid DH+ node %q", s)
	}
	if n > 255 {
		return 0, fmt.Errorf("cip: bad parameter: DH+ node %d exceeds 255", n)
	}
	return n, nil
}

// EncodePath encodes a comma-separated route (with an optional DH+ triple as
// the last hop) into a CIP connection path. It returns the encoded path
// bytes and the DH+ destination node (0 when no DH+ hop was used).
//
// path may be empty: the only output in that case is the message-router
// path appended when needsConnection is set.
func EncodePath(path string, needsConnection bool, family Family) ([]byte, int, error) {
	var out []byte
	dhpDest := 0
	sawDHP := false

	if strings.TrimSpace(path) != "" {
		segments := strings.Split(path, ",")
		for i, raw := range segments {
			seg := strings.TrimSpace(raw)
			isLast := i == len(segments)-1

			triple, matched, err := parseDHP(seg)
			if err != nil {
				return nil, 0, err
			}
			if matched {
				if sawDHP {
					return nil, 0, fmt.Errorf("cip: bad parameter: only one DH+ hop is allowed in a path")
				}
				sawDHP = true
				if !isLast || family != FamilyPLC5 {
					return nil, 0, fmt.Errorf("cip: bad parameter: DH+ hop must be the last segment of a PLC5 path")
				}
				out = append(out, 0x20, 0xA6, 0x24, triple.channel, 0x2C, 0x01)
				dhpDest = triple.dest
				continue
			}

			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n > 255 {
				return nil, 0, fmt.Errorf("cip: bad parameter: invalid path segment %q", raw)
			}
			out = append(out, byte(n))
		}
	}

	if needsConnection && !sawDHP {
		out = append(out, 0x20, 0x02, 0x24, 0x01)
	}

	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}

	if len(out) > 260 {
		return nil, 0, fmt.Errorf("cip: bad parameter: encoded path exceeds 260 bytes")
	}

	return out, dhpDest, nil
}
