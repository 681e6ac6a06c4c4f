// Package detection decides whether a contract shows rugpull risk patterns.
//
// The engine is a pure function of its catalog and the request: it performs
// no I/O, keeps no state between calls and is safe for concurrent use.
// Fetching bytecode or traces from a node is the caller's job.
package detection

// Engine runs the bytecode and trace passes against one catalog.
type Engine struct {
	catalog *Catalog
}

// New returns an engine over c, or over DefaultCatalog when c is nil.
func New(c *Catalog) *Engine {
	if c == nil {
		c = DefaultCatalog()
	}
	return &Engine{catalog: c}
}

func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Detect scans req.Bytecode, then req.Trace.Calls, and aggregates both
// passes. A nil request or missing fields yield the empty verdict.
func (e *Engine) Detect(req *DetectionRequest) DetectionResult {
	if req == nil {
		req = &DetectionRequest{}
	}
	findings := ScanBytecode(e.catalog, req.Bytecode)

	var calls []TraceCall
	if req.Trace != nil {
		calls = req.Trace.Calls
	}
	findings = append(findings, AnalyzeTrace(e.catalog, calls, req.Address)...)

	return Aggregate(findings)
}
