package detection

import (
	"reflect"
	"testing"
)

func kinds(fs []Finding) []string {
	out := []string{}
	for _, f := range fs {
		out = append(out, f.Kind)
	}
	return out
}

func TestScanBytecode(t *testing.T) {
	tests := []struct {
		name     string
		bytecode string
		want     []string
	}{
		{"Empty", "", []string{}},
		{"OnlyPrefix", "0x", []string{}},
		{"Clean", "608060405234801561001057600080fd5b5060", []string{}},
		{"SelfDestruct", "6080604052ff", []string{SigSelfDestruct}},
		{"UpperCase", "6080604052FF", []string{SigSelfDestruct}},
		{"HexPrefix", "0x6080604052ff", []string{SigSelfDestruct}},
		{"Whitespace", "  6080604052ff\n", []string{SigSelfDestruct}},
		{"Repeated", "ffffffff", []string{SigSelfDestruct}},
		{"SelfDestructAndDelegate", "6080604052ff6040f4", []string{SigSelfDestruct, SigDelegateCall}},
		{"DelegateBeforeSelfDestructInCode", "f46040ff", []string{SigSelfDestruct, SigDelegateCall}},
		{"Mint", "6340c10f19", []string{SigMint}},
		{"TransferOwnership", "63f2fde38b", []string{SigTransferOwnership}},
		{"Pausable", "638456cb59", []string{SigPausable}},
		{"Transfer", "63a9059cbb55", []string{SigTransfer}},
		{"Approve", "63095ea7b3", []string{SigApprove}},
		{"CatalogOrderNotCodeOrder", "095ea7b3ff", []string{SigSelfDestruct, SigApprove}},
		// Nibble-misaligned and in-operand matches are reported too.
		{"MisalignedNibble", "0ff0", []string{SigSelfDestruct}},
		{"InsidePushData", "7f00000000000000000000000000000000000000000000000000000000000000ff", []string{SigSelfDestruct}},
	}

	c := DefaultCatalog()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := kinds(ScanBytecode(c, tt.bytecode))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ScanBytecode(%q) = %v, want %v", tt.bytecode, got, tt.want)
			}
		})
	}
}

func TestScanBytecodeFindingShape(t *testing.T) {
	fs := ScanBytecode(DefaultCatalog(), "63a9059cbb")
	if len(fs) != 1 {
		t.Fatalf("got %d findings, want 1", len(fs))
	}
	f := fs[0]
	if f.Severity != SeverityLow || f.Reason != "Includes ERC-20 transfer() function" {
		t.Errorf("unexpected finding %+v", f)
	}
	if f.OriginIndex != nil {
		t.Errorf("bytecode findings carry no origin index, got %d", *f.OriginIndex)
	}
}

func TestScanBytecodeCustomCatalog(t *testing.T) {
	c, err := NewCatalog(Signature{Name: "BLACKLIST", Pattern: "1d3b9edf", Severity: SeverityHigh, Category: CategoryFunctionSelector})
	if err != nil {
		t.Fatal(err)
	}
	got := kinds(ScanBytecode(c, "631d3b9edfff"))
	if !reflect.DeepEqual(got, []string{"BLACKLIST"}) {
		t.Errorf("got %v", got)
	}
	if fs := ScanBytecode(nil, "ff"); len(fs) != 0 {
		t.Errorf("nil catalog should match nothing, got %v", kinds(fs))
	}
}

func TestNormalizeBytecode(t *testing.T) {
	for in, want := range map[string]string{
		"":       "",
		"0x":     "",
		"0xABcd": "abcd",
		" 6080 ": "6080",
		"0X60":   "60",
		"ff":     "ff",
	} {
		if got := NormalizeBytecode(in); got != want {
			t.Errorf("NormalizeBytecode(%q) = %q, want %q", in, got, want)
		}
	}
}
