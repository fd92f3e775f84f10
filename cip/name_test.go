package cip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeNameBigArray(t *testing.T) {
	got, err := EncodeName("TestBigArray[5]", 0)
	require.NoError(t, err)

	want := append([]byte{0x08, 0x91, 0x0C}, []byte("TestBigArray")...)
	want = append(want, 0x28, 0x05)

	assert.Equal(t, want, got.IOI)
	assert.False(t, got.IsBit)
	assert.Zero(t, (len(got.IOI)-1)%2, "IOI is word-count-prefixed, so its total length is odd; the body after the prefix must be even")
	assert.Equal(t, int(got.IOI[0])*2+1, len(got.IOI))
}

func TestEncodeNameDottedPathWithTrailingBit(t *testing.T) {
	got, err := EncodeName("Foo.Bar.3", 16)
	require.NoError(t, err)

	assert.True(t, got.IsBit)
	assert.Equal(t, 3, got.Bit)

	wantBody := append([]byte{0x91, 0x03}, append([]byte("Foo"), 0x00)...)
	wantBody = append(wantBody, append([]byte{0x91, 0x03}, append([]byte("Bar"), 0x00)...)...)
	want := append([]byte{byte(len(wantBody) / 2)}, wantBody...)
	assert.Equal(t, want, got.IOI)
}

func TestEncodeNameBitIndexOutOfRange(t *testing.T) {
	_, err := EncodeName("Foo.16", 16)
	assert.Error(t, err, "bit index 16 is out of range for a 16-bit space")
}

func TestEncodeNameBitIndexInRange(t *testing.T) {
	got, err := EncodeName("Foo.15", 16)
	require.NoError(t, err)
	assert.True(t, got.IsBit)
	assert.Equal(t, 15, got.Bit)
}

func TestEncodeNameArrayIndices(t *testing.T) {
	cases := []struct {
		name      string
		tagName   string
		wantTail  []byte
	}{
		{"single byte index", "Foo[5]", []byte{0x28, 0x05}},
		{"two-byte index", "Foo[300]", []byte{0x29, 0x00, 0x2C, 0x01}},
		{"multi-dimension", "Foo[1,2]", []byte{0x28, 0x01, 0x28, 0x02}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EncodeName(tc.tagName, 0)
			require.NoError(t, err)
			assert.True(t, len(got.IOI) > len(tc.wantTail))
			tail := got.IOI[len(got.IOI)-len(tc.wantTail):]
			assert.Equal(t, tc.wantTail, tail)
		})
	}
}

func TestEncodeNameTooManyDimensions(t *testing.T) {
	_, err := EncodeName("Foo[1,2,3,4]", 0)
	assert.Error(t, err)
}

func TestEncodeNameTrailingDotRejected(t *testing.T) {
	_, err := EncodeName("Foo.", 0)
	assert.Error(t, err)
}
