package detection

import (
	"fmt"
	"math/big"
	"strings"
)

// Finding kinds emitted by the trace pass.
const (
	KindFundsIn                = "FUNDS_IN"
	KindTraceOwnershipTransfer = "TRACE_OWNERSHIP_TRANSFER"
)

// AnalyzeTrace evaluates the behavioral rules against calls in the order
// given. It does not descend into TraceCall.Calls: deciding which nested
// frames take part, and in what order, is up to whoever builds the sequence
// (see chain.Flatten). target is the analyzed contract; when empty the
// FUNDS_IN rule never fires.
func AnalyzeTrace(c *Catalog, calls []TraceCall, target string) []Finding {
	target = strings.TrimSpace(target)

	var ownershipPrefix string
	if sig, ok := c.Lookup(SigTransferOwnership); ok {
		ownershipPrefix = "0x" + sig.Pattern
	}

	var findings []Finding
	for i, call := range calls {
		if call.Malformed {
			continue
		}
		if target != "" && strings.EqualFold(strings.TrimSpace(call.To), target) {
			if v := parseWei(call.Value); v.Sign() > 0 {
				findings = append(findings, Finding{
					Kind:        KindFundsIn,
					Severity:    SeverityMedium,
					Reason:      fmt.Sprintf("Contract received %s wei from %s", v, call.From),
					OriginIndex: index(i),
				})
			}
		}
		if ownershipPrefix != "" && strings.HasPrefix(strings.ToLower(strings.TrimSpace(call.Input)), ownershipPrefix) {
			findings = append(findings, Finding{
				Kind:        KindTraceOwnershipTransfer,
				Severity:    SeverityMedium,
				Reason:      fmt.Sprintf("transferOwnership() called at trace index %d", i),
				OriginIndex: index(i),
			})
		}
	}
	return findings
}

// parseWei returns zero for anything that is not a base-10 integer.
func parseWei(q Quantity) *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimSpace(string(q)), 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func index(i int) *int {
	return &i
}
