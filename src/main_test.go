package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/Abhi270303/RugLens/src/config"
	"github.com/Abhi270303/RugLens/src/detection"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := log.Root()
	t.Cleanup(func() { log.SetDefault(prev) })

	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"ruglens", "--log-level", "error"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestScanBytecode(t *testing.T) {
	tests := []struct {
		name     string
		bytecode string
		want     string
	}{
		{"Clean", "0x6080604052", detection.NoIndicatorsMessage},
		{"SelfDestruct", "0x6080ff", "Detected 1 rugpull indicator(s):\n- [HIGH] Contains SELFDESTRUCT opcode"},
		{"Empty", "", detection.NoIndicatorsMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runApp(t, "scan", "--bytecode", tt.bytecode)
			require.NoError(t, err)
			assert.Equal(t, tt.want+"\n", out)
		})
	}
}

func TestScanFailOnDetect(t *testing.T) {
	_, err := runApp(t, "scan", "--bytecode", "ff", "--fail-on-detect")
	var exit cli.ExitCoder
	require.True(t, errors.As(err, &exit), "expected exit error, got %v", err)
	assert.Equal(t, exitDetected, exit.ExitCode())

	_, err = runApp(t, "scan", "--bytecode", "6080", "--fail-on-detect")
	assert.NoError(t, err)
}

func TestScanJSON(t *testing.T) {
	out, err := runApp(t, "scan", "--bytecode", "f440c10f19", "--json")
	require.NoError(t, err)

	var res detection.DetectionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Detected)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, detection.SigDelegateCall, res.Findings[0].Kind)
	assert.Equal(t, detection.SigMint, res.Findings[1].Kind)
}

func TestScanTraceFile(t *testing.T) {
	trace := writeFile(t, "trace.json", `{
		"type": "CALL",
		"from": "0xaaaa000000000000000000000000000000000001",
		"to": "0x1234567890123456789012345678901234567890",
		"value": "0x3e8",
		"input": "0x"
	}`)
	out, err := runApp(t, "scan",
		"--bytecode", "6080",
		"--address", "0x1234567890123456789012345678901234567890",
		"--trace-file", trace)
	require.NoError(t, err)
	assert.Contains(t, out, "[MEDIUM] Contract received 1000 wei from 0xaaaa000000000000000000000000000000000001")
}

func TestScanErrors(t *testing.T) {
	_, err := runApp(t, "scan", "--address", "0x1234567890123456789012345678901234567890")
	assert.ErrorContains(t, err, "rpc list required")

	_, err = runApp(t, "scan", "--trace-file", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "trace open error")

	bad := writeFile(t, "trace.json", `{"type": `)
	_, err = runApp(t, "scan", "--trace-file", bad)
	assert.ErrorContains(t, err, "trace decode error")
}

func TestScanMalformedHashNeedsNoRPC(t *testing.T) {
	cfg := writeFile(t, "config.yaml", `
fetch:
  traces: true
`)
	out, err := runApp(t, "--config", cfg, "scan", "--bytecode", "6080", "--hash", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, detection.NoIndicatorsMessage+"\n", out)
}

func TestScanWithConfiguredSignature(t *testing.T) {
	cfg := writeFile(t, "config.yaml", `
signatures:
  - name: BLACKLIST
    category: selector
    pattern: "0x1d3b9edf"
    severity: high
    reason: Includes blacklist function
`)
	out, err := runApp(t, "--config", cfg, "scan", "--bytecode", "63001d3b9edf")
	require.NoError(t, err)
	assert.Equal(t, "Detected 1 rugpull indicator(s):\n- [HIGH] Includes blacklist function\n", out)
}

func TestCheckConfig(t *testing.T) {
	good := writeFile(t, "config.json", `{"rpc": [{"url": "http://rpc1"}, {"url": "http://rpc2"}]}`)
	out, err := runApp(t, "--config", good, "check-config")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Configuration OK"), out)
	assert.Contains(t, out, "2 RPC endpoint(s), 7 signature(s)")

	bad := writeFile(t, "bad.json", `{"fetch": {"timeout": "soon"}}`)
	_, err = runApp(t, "--config", bad, "check-config")
	assert.ErrorContains(t, err, "configuration validation failed")

	_, err = runApp(t, "check-config")
	assert.ErrorContains(t, err, "--config is required")
}

func TestNeedsFetch(t *testing.T) {
	withTraces := config.Default()
	withTraces.Fetch.Traces = true
	noTraces := config.Default()

	const (
		addr = "0x1234567890123456789012345678901234567890"
		hash = "0x0102030405060708091011121314151617181920212223242526272829303132"
	)
	tests := []struct {
		name string
		cfg  *config.Config
		req  detection.DetectionRequest
		want bool
	}{
		{"BytecodeGiven", withTraces, detection.DetectionRequest{Address: addr, Bytecode: "6080"}, false},
		{"AddressOnly", noTraces, detection.DetectionRequest{Address: addr}, true},
		{"PrefixOnlyBytecode", noTraces, detection.DetectionRequest{Address: addr, Bytecode: "0x"}, true},
		{"ShortAddress", noTraces, detection.DetectionRequest{Address: "0x01"}, false},
		{"HashWithTraces", withTraces, detection.DetectionRequest{Hash: hash, Bytecode: "6080"}, true},
		{"MalformedHashWithTraces", withTraces, detection.DetectionRequest{Hash: "0xabc", Bytecode: "6080"}, false},
		{"HashWithoutTraces", noTraces, detection.DetectionRequest{Hash: hash, Bytecode: "6080"}, false},
		{"TraceGiven", withTraces, detection.DetectionRequest{Hash: hash, Bytecode: "6080", Trace: &detection.Trace{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			assert.Equal(t, tt.want, needsFetch(tt.cfg, &req))
		})
	}
}

func TestReloader(t *testing.T) {
	var got *detection.Engine
	apply := reloader(func(e *detection.Engine) { got = e })

	cfg := config.Default()
	cfg.Signatures = []config.SignatureConfig{{
		Name: "BLACKLIST", Category: "selector", Pattern: "1d3b9edf", Severity: "high",
	}}
	apply(cfg)
	require.NotNil(t, got)
	_, ok := got.Catalog().Lookup("BLACKLIST")
	assert.True(t, ok)

	got = nil
	cfg.Signatures[0].Severity = "urgent"
	apply(cfg)
	assert.Nil(t, got, "an invalid catalog must not replace the running engine")
}

func TestServeMetricsShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveMetrics(ctx, "127.0.0.1:0", prometheus.NewRegistry()) }()
	cancel()
	assert.NoError(t, <-done)
}
