package plctag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yatesdr/plctag/cip"
)

func TestParseAttrsMinimal(t *testing.T) {
	a, err := parseAttrs("protocol=ab_eip&gateway=10.0.0.1&cpu=LGX&name=MyTag")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", a.gateway)
	assert.Equal(t, "MyTag", a.name)
	assert.Equal(t, cip.FamilyLGX, a.family)
	assert.Equal(t, 1, a.elemCount, "elem_count defaults to 1")
	assert.True(t, a.useConnectedMsg, "LGX defaults to connected messaging")
}

func TestParseAttrsPLC5RequiresElemSize(t *testing.T) {
	_, err := parseAttrs("protocol=ab_eip&gateway=10.0.0.1&cpu=PLC5&name=N7:0")
	require.Error(t, err)
	assert.Equal(t, StatusErrBadParam, err.(*TagError).Kind)
}

func TestParseAttrsExplicitElemSize(t *testing.T) {
	a, err := parseAttrs("protocol=ab_eip&gateway=10.0.0.1&cpu=PLC5&name=N7:0&elem_size=2")
	require.NoError(t, err)
	assert.Equal(t, 2, a.elemSize)
}

func TestParseAttrsUnrecognizedKey(t *testing.T) {
	_, err := parseAttrs("protocol=ab_eip&gateway=10.0.0.1&cpu=LGX&name=X&bogus=1")
	assert.Error(t, err)
}

func TestParseAttrsMissingRequired(t *testing.T) {
	cases := []string{
		"cpu=LGX&name=X",
		"protocol=ab_eip&cpu=LGX",
		"protocol=ab_eip&gateway=10.0.0.1&name=X",
	}
	for _, s := range cases {
		_, err := parseAttrs(s)
		assert.Error(t, err, s)
	}
}

func TestParseAttrsUnrecognizedCPU(t *testing.T) {
	_, err := parseAttrs("protocol=ab_eip&gateway=10.0.0.1&cpu=VAX&name=X")
	assert.Error(t, err)
}

func TestParseAttrsUnsupportedProtocol(t *testing.T) {
	_, err := parseAttrs("protocol=modbus&gateway=10.0.0.1&cpu=LGX&name=X")
	assert.Error(t, err)
}

func TestParseAttrsExplicitUseConnectedMsg(t *testing.T) {
	a, err := parseAttrs("protocol=ab_eip&gateway=10.0.0.1&cpu=PLC5&name=N7:0&elem_size=2&use_connected_msg=true")
	require.NoError(t, err)
	assert.True(t, a.useConnectedMsg)
}

func TestParseAttrsWhitespaceTolerant(t *testing.T) {
	a, err := parseAttrs(" protocol = ab_eip & gateway = 10.0.0.1 & cpu = LGX & name = X ")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", a.gateway)
}
