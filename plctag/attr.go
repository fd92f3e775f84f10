package plctag

import (
	"strconv"
	"strings"

	"github.com/yatesdr/plctag/cip"
)

// attrs is the parsed form of a "key=value&key=value" attribute string
// (§4.1), e.g.
//
//	protocol=ab_eip&gateway=10.206.1.27&path=1,0&cpu=LGX&elem_size=4&elem_count=200&name=pcomm_test_dint_array
type attrs struct {
	protocol        string
	gateway         string
	path            string
	cpu             string
	family          cip.Family
	elemSize        int
	elemCount       int
	name            string
	debug           int
	shareSession    bool
	useConnectedMsg bool
	useConnectedSet bool // true when use_connected_msg was explicit in the string
}

var recognizedAttrKeys = map[string]bool{
	"protocol":         true,
	"gateway":          true,
	"path":             true,
	"cpu":              true,
	"elem_size":        true,
	"elem_count":       true,
	"name":             true,
	"debug":            true,
	"share_session":    true,
	"use_connected_msg": true,
}

var cpuFamilies = map[string]cip.Family{
	"PLC5":      cip.FamilyPLC5,
	"SLC":       cip.FamilySLC,
	"MLGX":      cip.FamilyMLGX,
	"LGX":       cip.FamilyLGX,
	"Micro800":  cip.FamilyMicro800,
	"OMRON-NJNX": cip.FamilyOmronNJ,
}

// parseAttrs parses an attribute string, whitespace-tolerant around '=' and
// '&', rejecting unknown keys and missing required keys per family.
func parseAttrs(s string) (*attrs, error) {
	a := &attrs{shareSession: true}

	for _, pair := range strings.Split(s, "&") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, errBadParam("malformed attribute pair %q", pair)
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])

		if !recognizedAttrKeys[key] {
			return nil, errBadParam("unrecognized attribute key %q", key)
		}

		var err error
		switch key {
		case "protocol":
			a.protocol = value
		case "gateway":
			a.gateway = value
		case "path":
			a.path = value
		case "cpu":
			a.cpu = value
		case "elem_size":
			a.elemSize, err = strconv.Atoi(value)
		case "elem_count":
			a.elemCount, err = strconv.Atoi(value)
		case "name":
			a.name = value
		case "debug":
			a.debug, err = strconv.Atoi(value)
		case "share_session":
			a.shareSession, err = parseBool(value)
		case "use_connected_msg":
			a.useConnectedMsg, err = parseBool(value)
			a.useConnectedSet = true
		}
		if err != nil {
			return nil, errBadParam("invalid value %q for attribute %q", value, key)
		}
	}

	if a.protocol != "ab_eip" {
		return nil, errBadParam("unsupported protocol %q (only ab_eip)", a.protocol)
	}
	if a.gateway == "" {
		return nil, errBadParam("missing required attribute \"gateway\"")
	}
	if a.name == "" {
		return nil, errBadParam("missing required attribute \"name\"")
	}
	if a.cpu == "" {
		return nil, errBadParam("missing required attribute \"cpu\"")
	}
	family, ok := cpuFamilies[a.cpu]
	if !ok {
		return nil, errBadParam("unrecognized cpu family %q", a.cpu)
	}
	a.family = family

	if family.UsesPCCC() {
		if a.elemSize <= 0 {
			return nil, errBadParam("elem_size is required for cpu family %q", a.cpu)
		}
	}
	if a.elemCount < 1 {
		a.elemCount = 1
	}

	if !a.useConnectedSet {
		a.useConnectedMsg = family == cip.FamilyLGX || family == cip.FamilyMicro800
	}

	return a, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, errBadParam("not a boolean: %q", s)
	}
}
