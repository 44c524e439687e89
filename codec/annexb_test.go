package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aud    = []byte{0, 0, 0, 1, 0x09, 0xf0}
	sps    = []byte{0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f}
	pps    = []byte{0, 0, 0, 1, 0x68, 0xce, 0x38, 0x80}
	idr    = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84}
	nonIDR = []byte{0, 0, 1, 0x41, 0x9a, 0x02}
)

func au(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestForEachNALUMixedStartCodes(t *testing.T) {
	t.Parallel()

	buf := au(sps, nonIDR, idr)
	var types []byte
	ForEachNALU(buf, func(n []byte) { types = append(types, n[0]&0x1f) })
	assert.Equal(t, []byte{7, 1, 5}, types)
}

func TestHasIDR(t *testing.T) {
	t.Parallel()

	assert.True(t, HasIDR(au(sps, pps, idr)))
	assert.False(t, HasIDR(au(sps, nonIDR)))
}

func TestExtractParameterSets(t *testing.T) {
	t.Parallel()

	gotSPS, gotPPS := ExtractParameterSets(au(aud, sps, pps, idr))
	assert.Equal(t, sps[4:], gotSPS)
	assert.Equal(t, pps[4:], gotPPS)

	gotSPS, gotPPS = ExtractParameterSets(au(aud, nonIDR))
	assert.Nil(t, gotSPS)
	assert.Nil(t, gotPPS)
}

func TestNALUs(t *testing.T) {
	t.Parallel()

	out := NALUs(au(aud, idr))
	require.Len(t, out, 2)
	assert.Equal(t, byte(0x09), out[0][0])
	assert.Equal(t, byte(0x65), out[1][0])
}

func TestAUScannerSplitsOnAUD(t *testing.T) {
	t.Parallel()

	first := au(aud, sps, pps, idr)
	second := au(aud, nonIDR)
	third := au(aud, nonIDR)
	sc := NewAUScanner(bytes.NewReader(au(first, second, third)))

	got1, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, first, got1)

	got2, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, second, got2)

	got3, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, third, got3)

	_, err = sc.Next()
	assert.Equal(t, io.EOF, err)
}

func TestAUScannerIncrementalDelivery(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	sc := NewAUScanner(pr)

	first := au(aud, idr)
	second := au(aud, nonIDR)
	go func() {
		// Split writes across AU boundaries to exercise buffering.
		pw.Write(first[:3])
		pw.Write(first[3:])
		pw.Write(second)
		pw.Close()
	}()

	got, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = sc.Next()
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = sc.Next()
	assert.Equal(t, io.EOF, err)
}

func TestAUScannerEmptyStream(t *testing.T) {
	t.Parallel()

	sc := NewAUScanner(bytes.NewReader(nil))
	_, err := sc.Next()
	assert.Equal(t, io.EOF, err)
}
