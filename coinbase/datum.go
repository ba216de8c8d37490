package coinbase

import "strings"

// ParseDatumTemplateCreator extracts the DATUM template-creator tag from
// an OCEAN-pool coinbase signature script. It is only meaningful once the
// pool identifier has already matched the coinbase to OCEAN.
//
// Layout: [height push][tag region length, or 0x4C + length][tag bytes...]
// The tag region is NUL-stripped, split on 0x0F, filtered to
// [A-Za-z0-9 ] runs, trimmed, and emptied entries dropped. The last
// remaining name that mentions neither "ocean" nor "datum" (case
// insensitive) is the template creator.
func ParseDatumTemplateCreator(script []byte) (string, bool) {
	if len(script) == 0 {
		return "", false
	}

	heightPushLen := int(script[0])
	pos := 1 + heightPushLen
	if pos >= len(script) {
		return "", false
	}

	regionLen := int(script[pos])
	pos++
	if regionLen == 0x4C { // OP_PUSHDATA1: length byte follows
		if pos >= len(script) {
			return "", false
		}
		regionLen = int(script[pos])
		pos++
	}
	if pos+regionLen > len(script) {
		regionLen = len(script) - pos
	}
	if regionLen <= 0 {
		return "", false
	}

	region := script[pos : pos+regionLen]
	region = stripNUL(region)

	var names []string
	for _, part := range strings.Split(string(region), "\x0f") {
		cleaned := filterPrintable(part)
		cleaned = strings.TrimSpace(cleaned)
		if cleaned != "" {
			names = append(names, cleaned)
		}
	}

	for i := len(names) - 1; i >= 0; i-- {
		lower := strings.ToLower(names[i])
		if !strings.Contains(lower, "ocean") && !strings.Contains(lower, "datum") {
			return names[i], true
		}
	}
	return "", false
}

func stripNUL(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c != 0x00 {
			out = append(out, c)
		}
	}
	return out
}

func filterPrintable(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
