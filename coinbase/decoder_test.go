package coinbase

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestExtractHeight(t *testing.T) {
	cases := []struct {
		name   string
		script []byte
		want   int64
	}{
		{"single byte height", []byte{0x01, 0x2a}, 42},
		{"three byte height", []byte{0x03, 0x80, 0x3c, 0x01}, 81024},
		{"push length zero", []byte{0x00}, 0},
		{"push length out of range", []byte{0x05, 1, 2, 3, 4, 5}, 0},
		{"truncated script", []byte{0x04, 1, 2}, 0},
		{"empty script", nil, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, ExtractHeight(c.script))
		})
	}
}

func TestReconstructHexNegativeExtranonce(t *testing.T) {
	got := ReconstructHex("aa", "bb", -1, "cc")
	require.Equal(t, "aabbcc", got)
}

func TestReconstructHexPadsExtranonce2(t *testing.T) {
	got := ReconstructHex("aa", "bb", 2, "cc")
	require.Equal(t, "aabb0000cc", got)
}

// TestHeightPushRoundTrip checks that ExtractHeight recovers the height
// from any well-formed 1-4 byte BIP-34 height push built by
// heightPushScript.
func TestHeightPushRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		height := rapid.Int64Range(0, 0xFFFFFFF).Draw(rt, "height")
		script := heightPushScript(height)
		require.Equal(rt, height, ExtractHeight(script))
	})
}

// heightPushScript is the inverse of ExtractHeight for heights that fit
// in 1-4 bytes little-endian, used only by the round-trip test above.
func heightPushScript(height int64) []byte {
	buf := []byte{
		byte(height),
		byte(height >> 8),
		byte(height >> 16),
		byte(height >> 24),
	}
	n := 4
	for n > 1 && buf[n-1] == 0 {
		n--
	}
	return append([]byte{byte(n)}, buf[:n]...)
}

func TestDecodeScriptTextStripsControlBytes(t *testing.T) {
	raw := []byte("hello\x00world\n!")
	require.Equal(t, "helloworld!", DecodeScriptText(raw))
}

func TestDecodeTemplateMalformedHex(t *testing.T) {
	_, err := DecodeTemplate("not-hex")
	require.Error(t, err)
}

func TestDecodeTemplateHeightAndTotal(t *testing.T) {
	// A minimal one-input, one-output coinbase transaction with a
	// BIP-34 height push of 100 and a single 50-BTC output, serialized
	// by hand to keep this test free of any non-stdlib transaction
	// builder.
	const rawHex = "01000000" + // version
		"01" + // input count
		"0000000000000000000000000000000000000000000000000000000000000000" + // prevout hash
		"ffffffff" + // prevout index
		"02" + "0164" + // scriptSig: push 1 byte, height=100
		"ffffffff" + // sequence
		"01" + // output count
		"00f2052a01000000" + // 50 BTC in satoshis, little-endian
		"00" + // scriptPubKey length 0
		"00000000" // locktime

	_, err := hex.DecodeString(rawHex)
	require.NoError(t, err)

	decoded, err := DecodeTemplate(rawHex)
	require.NoError(t, err)
	require.Equal(t, int64(100), decoded.Height)
	require.Equal(t, int64(5_000_000_000), decoded.TotalSats)
}
