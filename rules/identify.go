package rules

import (
	"encoding/hex"
	"strings"

	"github.com/toole-brendan/poolwatch/coinbase"
	"github.com/toole-brendan/poolwatch/model"
)

// Identify runs the strict address -> literal-tag -> regex cascade
// against a snapshot of the rule set. addresses is the coinbase's
// descending-value address list; scriptSigHex is the raw input script.
//
// When the matched pool is OCEAN, the DATUM template creator is parsed
// from the raw script bytes and attached to the returned match.
func Identify(snap Snapshot, addresses []string, scriptSigHex string) model.PoolMatch {
	if m, ok := byAddress(snap, addresses); ok {
		return withDatum(m, scriptSigHex)
	}

	text := decodedScriptText(scriptSigHex)

	if m, ok := byLiteralTag(snap, text); ok {
		return withDatum(m, scriptSigHex)
	}

	if m, ok := byRegex(snap, text); ok {
		return withDatum(m, scriptSigHex)
	}

	return model.UnknownPool()
}

func decodedScriptText(scriptSigHex string) string {
	raw, err := hex.DecodeString(scriptSigHex)
	if err != nil {
		return ""
	}
	return coinbase.DecodeScriptText(raw)
}

func byAddress(snap Snapshot, addresses []string) (model.PoolMatch, bool) {
	addrSet := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		addrSet[a] = struct{}{}
	}
	for _, p := range snap.Pools {
		for _, a := range p.def.Addresses {
			if _, ok := addrSet[a]; ok {
				return toMatch(p.def, "address"), true
			}
		}
	}
	return model.PoolMatch{}, false
}

func byLiteralTag(snap Snapshot, text string) (model.PoolMatch, bool) {
	for _, p := range snap.Pools {
		for _, tag := range p.def.Tags {
			if tag != "" && strings.Contains(text, tag) {
				return toMatch(p.def, "tag"), true
			}
		}
	}
	return model.PoolMatch{}, false
}

func byRegex(snap Snapshot, text string) (model.PoolMatch, bool) {
	for _, p := range snap.Pools {
		for _, re := range p.regexes {
			if re.MatchString(text) {
				return toMatch(p.def, "tag"), true
			}
		}
	}
	return model.PoolMatch{}, false
}

func toMatch(d model.PoolDefinition, method string) model.PoolMatch {
	return model.PoolMatch{
		ID:                   d.ID,
		Name:                 d.Name,
		Slug:                 d.Slug,
		Link:                 d.Link,
		MatchType:            method,
		IdentificationMethod: method,
	}
}

func withDatum(m model.PoolMatch, scriptSigHex string) model.PoolMatch {
	if !strings.EqualFold(m.Name, "OCEAN") {
		return m
	}
	raw, err := hex.DecodeString(scriptSigHex)
	if err != nil {
		return m
	}
	if creator, ok := coinbase.ParseDatumTemplateCreator(raw); ok {
		m.DatumTemplateCreator = creator
	}
	return m
}
