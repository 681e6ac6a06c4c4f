package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Abhi270303/RugLens/src/detection"
)

// Flatten converts a callTracer frame tree into the trace shape the engine
// analyzes. The root frame becomes the trace header and also the first entry
// of Calls, followed by every descendant depth-first in call order.
// Hex quantities are rewritten as decimal; values that cannot be decoded are
// kept verbatim and read as zero by the engine.
func Flatten(root *CallFrame) *detection.Trace {
	if root == nil {
		return nil
	}
	t := &detection.Trace{TraceCall: toTraceCall(root)}
	var walk func(f *CallFrame)
	walk = func(f *CallFrame) {
		t.Calls = append(t.Calls, toTraceCall(f))
		for i := range f.Calls {
			walk(&f.Calls[i])
		}
	}
	walk(root)
	return t
}

func toTraceCall(f *CallFrame) detection.TraceCall {
	return detection.TraceCall{
		Type:    f.Type,
		From:    f.From,
		To:      f.To,
		Input:   f.Input,
		Value:   decimal(f.Value),
		Gas:     decimal(f.Gas),
		GasUsed: decimal(f.GasUsed),
		Output:  f.Output,
		Error:   f.Error,
	}
}

func decimal(q string) detection.Quantity {
	q = strings.TrimSpace(q)
	if q == "" {
		return ""
	}
	if v, err := hexutil.DecodeBig(q); err == nil {
		return detection.Quantity(v.String())
	}
	// Nodes occasionally pad with leading zeros, which hexutil rejects.
	if rest, ok := cutHexPrefix(q); ok {
		if v, ok := new(big.Int).SetString(rest, 16); ok {
			return detection.Quantity(v.String())
		}
	}
	return detection.Quantity(q)
}

func cutHexPrefix(s string) (string, bool) {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:], true
	}
	return "", false
}
