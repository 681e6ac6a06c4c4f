package detection

import (
	"fmt"
	"strings"
)

// NoIndicatorsMessage is returned verbatim when nothing was found. Callers
// may match on it.
const NoIndicatorsMessage = "No rugpull indicators detected"

// Aggregate builds the verdict from findings in the order given; it does not
// re-sort by severity.
func Aggregate(findings []Finding) DetectionResult {
	if len(findings) == 0 {
		return DetectionResult{
			Detected: false,
			Message:  NoIndicatorsMessage,
			Findings: []Finding{},
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Detected %d rugpull indicator(s):", len(findings))
	for _, f := range findings {
		fmt.Fprintf(&b, "\n- [%s] %s", strings.ToUpper(string(f.Severity)), f.Reason)
	}

	out := make([]Finding, len(findings))
	copy(out, findings)
	return DetectionResult{
		Detected: true,
		Message:  b.String(),
		Findings: out,
	}
}
