package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toole-brendan/poolwatch/model"
)

func testSnapshot() Snapshot {
	defs := []model.PoolDefinition{
		{ID: "foundry", Name: "Foundry USA", Addresses: []string{"bc1qfoundry"}},
		{ID: "antpool", Name: "AntPool", Tags: []string{"/AntPool/"}},
		{ID: "ocean", Name: "OCEAN", Tags: []string{"OCEAN.XYZ"}},
		{ID: "viabtc", Name: "ViaBTC", Regexes: []string{"via ?btc"}},
	}
	return compile(defs)
}

func TestIdentifyByAddressTakesPriority(t *testing.T) {
	snap := testSnapshot()
	match := Identify(snap, []string{"bc1qfoundry"}, hexOf("/AntPool/"))
	require.Equal(t, "foundry", match.ID)
	require.Equal(t, "address", match.IdentificationMethod)
}

func TestIdentifyByLiteralTag(t *testing.T) {
	snap := testSnapshot()
	match := Identify(snap, nil, hexOf("/AntPool/ extra junk"))
	require.Equal(t, "antpool", match.ID)
	require.Equal(t, "tag", match.IdentificationMethod)
}

func TestIdentifyByRegexFallback(t *testing.T) {
	snap := testSnapshot()
	match := Identify(snap, nil, hexOf("mined by via btc pool"))
	require.Equal(t, "viabtc", match.ID)
}

func TestIdentifyUnknownWhenNoMatch(t *testing.T) {
	snap := testSnapshot()
	match := Identify(snap, []string{"bc1qunrelated"}, hexOf("no tags here"))
	require.Equal(t, model.UnknownPool(), match)
}

// TestIdentifyTagTieBreaksByLoadOrder pins tie resolution within a match
// tier to the rule set's own listed order, not any sorted order: "zzpool"
// is listed first and must win even though "aapool" sorts before it.
func TestIdentifyTagTieBreaksByLoadOrder(t *testing.T) {
	defs := []model.PoolDefinition{
		{ID: "zzpool", Name: "ZZ Pool", Tags: []string{"/shared-tag/"}},
		{ID: "aapool", Name: "AA Pool", Tags: []string{"/shared-tag/"}},
	}
	snap := compile(defs)

	match := Identify(snap, nil, hexOf("mined with /shared-tag/ v2"))
	require.Equal(t, "zzpool", match.ID)
	require.Equal(t, "tag", match.IdentificationMethod)
}

func TestIdentifyOceanAttachesDatumCreator(t *testing.T) {
	snap := testSnapshot()
	// height push (n=1, value 7) then tag region: pushdata length byte
	// for "OCEAN.XYZ\x0fMyMiner" encoded per the DATUM tag format.
	script := append([]byte{0x01, 0x07}, buildDatumTagRegion("OCEAN.XYZ", "MyMiner")...)
	match := Identify(snap, nil, hexString(script))
	require.Equal(t, "ocean", match.ID)
	require.Equal(t, "MyMiner", match.DatumTemplateCreator)
}

func hexOf(text string) string {
	return hexString([]byte(text))
}

func buildDatumTagRegion(names ...string) []byte {
	var payload []byte
	for i, n := range names {
		if i > 0 {
			payload = append(payload, 0x0F)
		}
		payload = append(payload, []byte(n)...)
	}
	region := append([]byte{byte(len(payload))}, payload...)
	return region
}

func hexString(b []byte) string {
	const hexd = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexd[c>>4]
		out[i*2+1] = hexd[c&0xF]
	}
	return string(out)
}
