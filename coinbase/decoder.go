// Package coinbase implements the pure, side-effect-free routines that
// turn a Stratum mining.notify template or a verbosity-2 node block into
// decoded coinbase facts: block height, output value, payout addresses,
// and a best-effort printable rendering of the input script.
//
// Nothing here talks to a network or a store; every function is a plain
// transform over bytes and strings so it can be exercised directly by
// unit and property tests.
package coinbase

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"

	"github.com/toole-brendan/poolwatch/internal/poolerr"
)

// ReconstructHex rebuilds the raw coinbase transaction hex a Stratum pool
// expects a miner to assemble: coinbase1 || extranonce1 ||
// 00*extranonce2Size || coinbase2. A negative or otherwise invalid
// extranonce2Size is an Invariant-class condition: it is substituted
// with 0 rather than propagated as an error.
func ReconstructHex(coinbase1, extranonce1 string, extranonce2Size int, coinbase2 string) string {
	if extranonce2Size < 0 {
		err := poolerr.Invariant("coinbase: reconstruct", fmt.Errorf("negative extranonce2_length %d", extranonce2Size))
		log.Warnf("%v, substituting 0", err)
		extranonce2Size = 0
	}
	pad := strings.Repeat("00", extranonce2Size)
	return coinbase1 + extranonce1 + pad + coinbase2
}

// DecodedTemplate is the result of decoding a reconstructed coinbase
// transaction originating from a Stratum template.
type DecodedTemplate struct {
	Height    int64
	TotalSats int64
}

// DecodeTemplate parses a reconstructed coinbase hex as a Bitcoin
// transaction and extracts its claimed block height (from the BIP-34
// height push in the signature script) and the sum of its output values.
func DecodeTemplate(rawHex string) (DecodedTemplate, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return DecodedTemplate{}, poolerr.Protocol("coinbase: decode template", fmt.Errorf("invalid hex: %w", err))
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return DecodedTemplate{}, poolerr.Protocol("coinbase: decode template", fmt.Errorf("malformed transaction: %w", err))
	}
	if len(tx.TxIn) == 0 {
		return DecodedTemplate{}, poolerr.Protocol("coinbase: decode template", fmt.Errorf("transaction has no inputs"))
	}

	height := ExtractHeight(tx.TxIn[0].SignatureScript)

	var total int64
	for _, out := range tx.TxOut {
		total += out.Value
	}

	return DecodedTemplate{Height: height, TotalSats: total}, nil
}

// ExtractHeight reads the BIP-34 height push at the start of a coinbase
// signature script: script[0] is the push length n; the height is the
// little-endian integer of script[1:1+n]. Only n in [1,4] is honored;
// anything else (including a truncated script) returns 0 rather than
// erroring, matching the tolerant decode behavior spec.md requires.
func ExtractHeight(script []byte) int64 {
	if len(script) == 0 {
		return 0
	}
	n := int(script[0])
	if n < 1 || n > 4 {
		log.Debugf("%v, substituting height 0", poolerr.Invariant("coinbase: extract height", fmt.Errorf("height push length %d out of range", n)))
		return 0
	}
	if len(script) < 1+n {
		log.Debugf("%v, substituting height 0", poolerr.Invariant("coinbase: extract height", fmt.Errorf("truncated script, want %d bytes after push-length byte", n)))
		return 0
	}
	buf := make([]byte, 4)
	copy(buf, script[1:1+n])
	return int64(binary.LittleEndian.Uint32(buf))
}

// DecodedBlockCoinbase is the result of decoding the coinbase transaction
// of a verbosity-2 node block.
type DecodedBlockCoinbase struct {
	ScriptSigHex  string
	ScriptSigText string
	// Addresses is sorted by descending cumulative output value, ties
	// broken by first appearance.
	Addresses []string
}

// valueByAddress accumulates output value per address while preserving
// first-appearance order for stable tie-breaking.
type valueByAddress struct {
	order map[string]int
	total map[string]int64
	next  int
}

func newValueByAddress() *valueByAddress {
	return &valueByAddress{order: make(map[string]int), total: make(map[string]int64)}
}

func (v *valueByAddress) add(addr string, sats int64) {
	if _, ok := v.order[addr]; !ok {
		v.order[addr] = v.next
		v.next++
	}
	v.total[addr] += sats
}

func (v *valueByAddress) sorted() []string {
	addrs := make([]string, 0, len(v.total))
	for a := range v.total {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		ti, tj := v.total[addrs[i]], v.total[addrs[j]]
		if ti != tj {
			return ti > tj
		}
		return v.order[addrs[i]] < v.order[addrs[j]]
	})
	return addrs
}

// DecodeBlockCoinbase extracts height-independent coinbase facts from the
// first transaction of a verbosity-2 getblock result. The height itself
// is a field of the enclosing block, not of this function's concern.
func DecodeBlockCoinbase(tx *btcjson.TxRawResult) (DecodedBlockCoinbase, error) {
	if tx == nil || len(tx.Vin) == 0 {
		return DecodedBlockCoinbase{}, poolerr.Protocol("coinbase: decode block coinbase", fmt.Errorf("block coinbase transaction missing vin"))
	}

	vin := tx.Vin[0]
	var scriptHex string
	switch {
	case vin.ScriptSig != nil && vin.ScriptSig.Hex != "":
		scriptHex = vin.ScriptSig.Hex
	case vin.Coinbase != "":
		scriptHex = vin.Coinbase
	default:
		return DecodedBlockCoinbase{}, poolerr.Protocol("coinbase: decode block coinbase", fmt.Errorf("malformed input, no scriptSig.hex or coinbase field"))
	}

	acc := newValueByAddress()
	for _, out := range tx.Vout {
		sats := int64(out.Value*1e8 + 0.5)
		addrs := out.ScriptPubKey.Addresses
		if len(addrs) == 0 && out.ScriptPubKey.Address != "" {
			addrs = []string{out.ScriptPubKey.Address}
		}
		for _, a := range addrs {
			acc.add(a, sats)
		}
	}

	scriptBytes, _ := hex.DecodeString(scriptHex)

	return DecodedBlockCoinbase{
		ScriptSigHex:  scriptHex,
		ScriptSigText: DecodeScriptText(scriptBytes),
		Addresses:     acc.sorted(),
	}, nil
}

// DecodeScriptText renders a coinbase signature script as best-effort
// printable text: decode as UTF-8 with the replacement character for
// invalid sequences, then drop newline and NUL bytes, which make the
// result unreadable in a log line or identifier match. Other control
// bytes are kept.
func DecodeScriptText(script []byte) string {
	s := strings.ToValidUTF8(string(script), "�")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}
