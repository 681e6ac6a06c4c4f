package detection

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Category tells how a signature's pattern is interpreted.
type Category int

const (
	CategoryOpcode Category = iota
	CategoryFunctionSelector
)

func (c Category) String() string {
	switch c {
	case CategoryOpcode:
		return "opcode"
	case CategoryFunctionSelector:
		return "selector"
	}
	return "unknown"
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseCategory accepts the names produced by Category.String.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "opcode":
		return CategoryOpcode, nil
	case "selector", "function_selector", "functionselector":
		return CategoryFunctionSelector, nil
	}
	return 0, fmt.Errorf("unknown signature category %q", s)
}

// Severity carries no ranking; findings are reported in analysis order.
type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
)

// ParseSeverity is case-insensitive.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return SeverityHigh, nil
	case "medium":
		return SeverityMedium, nil
	case "low":
		return SeverityLow, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

func (s Severity) valid() bool {
	return s == SeverityHigh || s == SeverityMedium || s == SeverityLow
}

// Signature names a byte sequence whose presence in bytecode is a risk indicator.
type Signature struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

// Signature names used outside the scanner.
const (
	SigSelfDestruct      = "SELFDESTRUCT"
	SigDelegateCall      = "DELEGATECALL"
	SigMint              = "MINT"
	SigTransferOwnership = "TRANSFER_OWNERSHIP"
	SigPausable          = "PAUSABLE"
	SigTransfer          = "TRANSFER"
	SigApprove           = "APPROVE"
)

// Selector patterns are the first four bytes of keccak256 over mint(address,uint256),
// transferOwnership(address), pause(), transfer(address,uint256) and approve(address,uint256).
var defaultSignatures = []Signature{
	{SigSelfDestruct, CategoryOpcode, "ff", SeverityHigh, "Contains SELFDESTRUCT opcode"},
	{SigDelegateCall, CategoryOpcode, "f4", SeverityHigh, "Uses DELEGATECALL opcode"},
	{SigMint, CategoryFunctionSelector, "40c10f19", SeverityHigh, "Includes mint() function"},
	{SigTransferOwnership, CategoryFunctionSelector, "f2fde38b", SeverityMedium, "Includes transferOwnership() function"},
	{SigPausable, CategoryFunctionSelector, "8456cb59", SeverityMedium, "Includes pause() function"},
	{SigTransfer, CategoryFunctionSelector, "a9059cbb", SeverityLow, "Includes ERC-20 transfer() function"},
	{SigApprove, CategoryFunctionSelector, "095ea7b3", SeverityLow, "Includes ERC-20 approve() function"},
}

var (
	errEmptyName    = errors.New("signature name is empty")
	errEmptyPattern = errors.New("signature pattern is empty")
)

// Catalog is an immutable, ordered set of signatures. The zero value is empty.
type Catalog struct {
	sigs   []Signature
	byName map[string]int
}

// NewCatalog validates sigs and returns a catalog preserving their order.
func NewCatalog(sigs ...Signature) (*Catalog, error) {
	c := &Catalog{
		sigs:   make([]Signature, 0, len(sigs)),
		byName: make(map[string]int, len(sigs)),
	}
	for _, s := range sigs {
		if err := c.add(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog returns the built-in rule table.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultSignatures...)
	if err != nil {
		panic(fmt.Sprintf("detection: invalid default catalog: %v", err))
	}
	return c
}

func (c *Catalog) add(s Signature) error {
	s.Name = strings.TrimSpace(s.Name)
	s.Pattern = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s.Pattern)), "0x")
	if s.Name == "" {
		return errEmptyName
	}
	if s.Pattern == "" {
		return fmt.Errorf("%s: %w", s.Name, errEmptyPattern)
	}
	if _, err := hex.DecodeString(s.Pattern); err != nil {
		return fmt.Errorf("%s: pattern %q is not hex: %w", s.Name, s.Pattern, err)
	}
	if s.Category != CategoryOpcode && s.Category != CategoryFunctionSelector {
		return fmt.Errorf("%s: unknown category %d", s.Name, s.Category)
	}
	if !s.Severity.valid() {
		return fmt.Errorf("%s: unknown severity %q", s.Name, s.Severity)
	}
	if _, dup := c.byName[s.Name]; dup {
		return fmt.Errorf("duplicate signature %s", s.Name)
	}
	if s.Reason == "" {
		s.Reason = "Matches " + s.Name + " signature"
	}
	c.byName[s.Name] = len(c.sigs)
	c.sigs = append(c.sigs, s)
	return nil
}

// Extend returns a new catalog with extra appended after the receiver's entries.
func (c *Catalog) Extend(extra ...Signature) (*Catalog, error) {
	return NewCatalog(append(c.Signatures(), extra...)...)
}

// Signatures returns a copy of the table in declaration order.
func (c *Catalog) Signatures() []Signature {
	if c == nil {
		return nil
	}
	out := make([]Signature, len(c.sigs))
	copy(out, c.sigs)
	return out
}

func (c *Catalog) Lookup(name string) (Signature, bool) {
	if c == nil {
		return Signature{}, false
	}
	i, ok := c.byName[name]
	if !ok {
		return Signature{}, false
	}
	return c.sigs[i], true
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.sigs)
}
