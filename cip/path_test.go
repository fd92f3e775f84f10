package cip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePathScenarios(t *testing.T) {
	cases := []struct {
		name            string
		path            string
		needsConnection bool
		family          Family
		wantBytes       []byte
		wantDHPDest     int
	}{
		{
			name:            "port/slot with message router path appended",
			path:            "1,4",
			needsConnection: true,
			family:          FamilyLGX,
			wantBytes:       []byte{0x01, 0x04, 0x20, 0x02, 0x24, 0x01},
			wantDHPDest:     0,
		},
		{
			name:            "DH+ hop on PLC5",
			path:            "A:1:2",
			needsConnection: false,
			family:          FamilyPLC5,
			wantBytes:       []byte{0x20, 0xA6, 0x24, 0x01, 0x2C, 0x01},
			wantDHPDest:     2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, dhpDest, err := EncodePath(tc.path, tc.needsConnection, tc.family)
			require.NoError(t, err)
			assert.Equal(t, tc.wantBytes, got)
			assert.Equal(t, tc.wantDHPDest, dhpDest)
			assert.Zero(t, len(got)%2, "encoded path must be even length")
		})
	}
}

func TestEncodePathDHPNodeCap(t *testing.T) {
	_, _, err := EncodePath("A:1:256", false, FamilyPLC5)
	assert.Error(t, err)

	_, _, err = EncodePath("A:1:1234", false, FamilyPLC5)
	assert.Error(t, err, "node ids wider than three decimal digits are rejected")
}

func TestEncodePathDHPOnlyOnPLC5(t *testing.T) {
	_, _, err := EncodePath("A:1:2", false, FamilyLGX)
	assert.Error(t, err)
}

func TestEncodePathRejectsSecondDHPHop(t *testing.T) {
	_, _, err := EncodePath("A:1:2,B:3:4", false, FamilyPLC5)
	assert.Error(t, err)
}

func TestEncodePathEmpty(t *testing.T) {
	got, dhpDest, err := EncodePath("", false, FamilyLGX)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, dhpDest)
}

func TestEncodePathOddLengthIsPadded(t *testing.T) {
	got, _, err := EncodePath("1,2,3", false, FamilyLGX)
	require.NoError(t, err)
	assert.Zero(t, len(got)%2)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x00}, got)
}

func TestFamilyMaxInFlightCapsPCCCDialectsToOne(t *testing.T) {
	for _, f := range []Family{FamilyPLC5, FamilySLC, FamilyMLGX} {
		assert.Equal(t, 1, f.MaxInFlight(), "%s tunnels PCCC and tolerates only one outstanding request", f)
	}
}

func TestFamilyMaxInFlightAllowsFourForNativeFamilies(t *testing.T) {
	for _, f := range []Family{FamilyLGX, FamilyMicro800, FamilyOmronNJ} {
		assert.Equal(t, 4, f.MaxInFlight(), "%s pipelines requests natively", f)
	}
}
