package detection

import "strings"

// NormalizeBytecode lowercases hex and drops surrounding whitespace and an
// optional 0x prefix.
func NormalizeBytecode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.TrimPrefix(code, "0x")
}

// ScanBytecode reports one finding per catalog entry whose pattern occurs
// anywhere in the bytecode. Matching is plain substring containment over the
// hex text, so a pattern inside PUSH data or across an instruction boundary
// still counts. Findings follow catalog order.
func ScanBytecode(c *Catalog, bytecode string) []Finding {
	code := NormalizeBytecode(bytecode)
	if code == "" {
		return nil
	}
	var findings []Finding
	for _, sig := range c.Signatures() {
		if strings.Contains(code, sig.Pattern) {
			findings = append(findings, Finding{
				Kind:     sig.Name,
				Severity: sig.Severity,
				Reason:   sig.Reason,
			})
		}
	}
	return findings
}
