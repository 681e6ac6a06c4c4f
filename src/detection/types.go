package detection

import (
	"bytes"
	"encoding/json"
)

// DetectionRequest is the input to Engine.Detect. The engine never mutates it.
type DetectionRequest struct {
	ChainID      int64  `json:"chainId"`
	Hash         string `json:"hash"`
	ProtocolName string `json:"protocolName,omitempty"`
	Address      string `json:"address,omitempty"`
	Bytecode     string `json:"bytecode,omitempty"`
	Trace        *Trace `json:"trace,omitempty"`
}

// Trace is the root frame of a call trace. Only Calls is analyzed.
type Trace struct {
	TraceCall
	Pre  json.RawMessage `json:"pre,omitempty"`
	Post json.RawMessage `json:"post,omitempty"`
}

// TraceCall is one call frame. Value is a decimal wei amount.
type TraceCall struct {
	Type    string   `json:"type,omitempty"`
	From    string   `json:"from"`
	To      string   `json:"to"`
	Input   string   `json:"input"`
	Value   Quantity `json:"value,omitempty"`
	Gas     Quantity `json:"gas,omitempty"`
	GasUsed Quantity `json:"gasUsed,omitempty"`
	Output  string   `json:"output,omitempty"`
	Error   string   `json:"error,omitempty"`
	Calls   CallList `json:"calls,omitempty"`

	// Malformed marks a record that could not be decoded. It keeps its
	// position in the sequence but no rule is evaluated against it.
	Malformed bool `json:"-"`
}

// Quantity accepts either a JSON string or a bare JSON number.
type Quantity string

func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*q = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = Quantity(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*q = Quantity(n.String())
	return nil
}

// CallList decodes element by element so one bad record does not reject the
// whole trace.
type CallList []TraceCall

func (l *CallList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*l = nil
		return nil
	}
	out := make(CallList, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			out[i] = TraceCall{Malformed: true}
		}
	}
	*l = out
	return nil
}

// Finding is a single risk indicator produced by one of the analysis passes.
type Finding struct {
	Kind        string   `json:"kind"`
	Severity    Severity `json:"severity"`
	Reason      string   `json:"reason"`
	OriginIndex *int     `json:"originIndex,omitempty"`
}

// DetectionResult is the verdict for one request.
type DetectionResult struct {
	Detected bool      `json:"detected"`
	Message  string    `json:"message"`
	Findings []Finding `json:"findings"`
}
