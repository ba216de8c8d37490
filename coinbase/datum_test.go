package coinbase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// tagScript assembles a coinbase script with a height push of 7 and the
// given tag-region bytes.
func tagScript(region []byte) []byte {
	return append([]byte{0x01, 0x07}, region...)
}

func TestParseDatumTemplateCreator(t *testing.T) {
	payload := []byte("OCEAN.XYZ\x0fAcmeMiner")
	region := append([]byte{byte(len(payload))}, payload...)

	creator, ok := ParseDatumTemplateCreator(tagScript(region))
	require.True(t, ok)
	require.Equal(t, "AcmeMiner", creator)
}

func TestParseDatumTemplateCreatorPushdata1(t *testing.T) {
	// Tag region long enough that a real script would use OP_PUSHDATA1
	// (0x4C + one length byte) instead of a direct push.
	payload := []byte("OCEAN.XYZ\x0fDATUM gateway\x0fLong Creator Name 42")
	region := append([]byte{0x4C, byte(len(payload))}, payload...)

	creator, ok := ParseDatumTemplateCreator(tagScript(region))
	require.True(t, ok)
	require.Equal(t, "Long Creator Name 42", creator)
}

func TestParseDatumTemplateCreatorAllNamesExcluded(t *testing.T) {
	payload := []byte("OCEAN.XYZ\x0fdatum relay")
	region := append([]byte{byte(len(payload))}, payload...)

	_, ok := ParseDatumTemplateCreator(tagScript(region))
	require.False(t, ok)
}

func TestParseDatumTemplateCreatorTruncatedScript(t *testing.T) {
	_, ok := ParseDatumTemplateCreator([]byte{0x03, 0x01})
	require.False(t, ok)

	_, ok = ParseDatumTemplateCreator(nil)
	require.False(t, ok)
}

func TestParseDatumTemplateCreatorRegionPastEnd(t *testing.T) {
	// Declared region length exceeds the script; the parser clamps to the
	// available bytes rather than failing.
	payload := []byte("Solo CK")
	region := append([]byte{byte(len(payload) + 20)}, payload...)

	creator, ok := ParseDatumTemplateCreator(tagScript(region))
	require.True(t, ok)
	require.Equal(t, "Solo CK", creator)
}
