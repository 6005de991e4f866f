package catalog

import (
	_ "embed"
	"fmt"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

//go:embed techniques.yaml
var builtin []byte

// DefaultSequence is run when a job names no technique: execution, evasion,
// lateral movement, log clearing, WMI.
var DefaultSequence = []string{"T1059.001", "T1027", "T1021.006", "T1070.001", "T1047"}

// Catalog is an immutable technique table. It is safe for concurrent reads.
type Catalog struct {
	order []string
	byID  map[string]domain.AttackTechnique
}

type document struct {
	Techniques []domain.AttackTechnique `yaml:"techniques"`
}

// Builtin parses the technique table shipped with the binary.
func Builtin() (*Catalog, error) {
	return Parse(builtin)
}

// MustBuiltin is Builtin for process start-up.
func MustBuiltin() *Catalog {
	c, err := Builtin()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse builds a catalog from a YAML document with a top-level
// "techniques" list.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse technique catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]domain.AttackTechnique, len(doc.Techniques))}
	for i, t := range doc.Techniques {
		if !domain.ValidTTPID(t.TTPID) {
			return nil, fmt.Errorf("technique %d: invalid ttp_id %q", i, t.TTPID)
		}
		if _, dup := c.byID[t.TTPID]; dup {
			return nil, fmt.Errorf("technique %s defined twice", t.TTPID)
		}
		sev, ok := domain.ParseSeverity(string(t.Severity))
		if !ok {
			return nil, fmt.Errorf("technique %s: unknown severity %q", t.TTPID, t.Severity)
		}
		t.Severity = sev
		if t.ExpectedDamage < 0 || t.ExpectedDamage > 100 {
			return nil, fmt.Errorf("technique %s: expected_damage %d outside 0-100", t.TTPID, t.ExpectedDamage)
		}
		if len(t.PayloadVariants) == 0 {
			return nil, fmt.Errorf("technique %s has no payloads", t.TTPID)
		}
		c.byID[t.TTPID] = t
		c.order = append(c.order, t.TTPID)
	}
	return c, nil
}

// Get returns a copy of the technique that shares no memory with the
// catalog.
func (c *Catalog) Get(id string) (domain.AttackTechnique, bool) {
	t, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return domain.AttackTechnique{}, false
	}
	return clone(t), true
}

// Lookup is Get returning a TechniqueNotFound warning for unknown ids.
func (c *Catalog) Lookup(id string) (domain.AttackTechnique, error) {
	t, ok := c.Get(id)
	if !ok {
		return domain.AttackTechnique{}, domain.New(domain.KindTechniqueNotFound,
			fmt.Sprintf("technique %s not found in catalog", id)).WithContext("ttp_id", id)
	}
	return t, nil
}

// All returns every technique in declaration order.
func (c *Catalog) All() []domain.AttackTechnique {
	return c.filter(func(domain.AttackTechnique) bool { return true })
}

func (c *Catalog) Len() int { return len(c.order) }

func (c *Catalog) FilterByTactic(tactic string) []domain.AttackTechnique {
	return c.Query(tactic, "", "")
}

// FilterBySeverity accepts severities in any casing. Unknown severities
// match nothing.
func (c *Catalog) FilterBySeverity(severity string) []domain.AttackTechnique {
	return c.Query("", severity, "")
}

// Search matches keyword case-insensitively against name and description.
func (c *Catalog) Search(keyword string) []domain.AttackTechnique {
	return c.Query("", "", keyword)
}

// Query applies every non-empty filter: tactic, severity and keyword q.
// The result is never nil.
func (c *Catalog) Query(tactic, severity, q string) []domain.AttackTechnique {
	tactic = strings.TrimSpace(tactic)
	kw := strings.ToLower(strings.TrimSpace(q))

	var sev domain.Severity
	if strings.TrimSpace(severity) != "" {
		var ok bool
		if sev, ok = domain.ParseSeverity(severity); !ok {
			return []domain.AttackTechnique{}
		}
	}

	return c.filter(func(t domain.AttackTechnique) bool {
		if tactic != "" && !strings.EqualFold(t.Tactic, tactic) {
			return false
		}
		if sev != "" && t.Severity != sev {
			return false
		}
		return kw == "" ||
			strings.Contains(strings.ToLower(t.Name), kw) ||
			strings.Contains(strings.ToLower(t.Description), kw)
	})
}

// Tactics lists the distinct tactics, sorted.
func (c *Catalog) Tactics() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range c.order {
		tac := c.byID[id].Tactic
		if !seen[tac] {
			seen[tac] = true
			out = append(out, tac)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) filter(keep func(domain.AttackTechnique) bool) []domain.AttackTechnique {
	out := make([]domain.AttackTechnique, 0, len(c.order))
	for _, id := range c.order {
		if t := c.byID[id]; keep(t) {
			out = append(out, clone(t))
		}
	}
	return out
}

func clone(t domain.AttackTechnique) domain.AttackTechnique {
	t.PayloadVariants = slices.Clone(t.PayloadVariants)
	t.ValidationChecks = slices.Clone(t.ValidationChecks)
	return t
}
