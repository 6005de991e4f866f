package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

func TestBuiltinCatalog(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)
	assert.Equal(t, 16, c.Len())

	ps, ok := c.Get("T1059.001")
	require.True(t, ok)
	assert.Equal(t, "PowerShell Execution", ps.Name)
	assert.Equal(t, domain.SeverityHigh, ps.Severity)
	assert.Equal(t, 25, ps.ExpectedDamage)
	assert.Len(t, ps.ValidationChecks, 2)

	payload, ok := ps.Payload("")
	assert.True(t, ok)
	assert.Equal(t, "basic", payload.Name)

	for _, id := range DefaultSequence {
		_, ok := c.Get(id)
		assert.True(t, ok, "default technique %s missing", id)
	}
}

func TestLookupUnknown(t *testing.T) {
	c := MustBuiltin()
	_, err := c.Lookup("T9999")
	require.Error(t, err)
	assert.Equal(t, domain.KindTechniqueNotFound, domain.KindOf(err))
}

func TestFilters(t *testing.T) {
	c := MustBuiltin()

	tests := []struct {
		name string
		got  []domain.AttackTechnique
		want []string
	}{
		{"tactic any case", c.FilterByTactic("impact"), []string{"T1486", "T1490"}},
		{"tactic lateral", c.FilterByTactic("Lateral Movement"), []string{"T1021.001", "T1021.006"}},
		{"severity lower case", c.FilterBySeverity("critical"), []string{"T1055", "T1003.001", "T1041", "T1486", "T1490"}},
		{"severity unknown", c.FilterBySeverity("nope"), nil},
		{"search name", c.Search("powershell"), []string{"T1059.001"}},
		{"search description", c.Search("RANSOMWARE"), []string{"T1486"}},
		{"query combined", c.Query("impact", "CRITICAL", "restore"), []string{"T1490"}},
		{"query tactic and severity", c.Query("Impact", "critical", ""), []string{"T1486", "T1490"}},
		{"query unknown severity", c.Query("impact", "huge", ""), nil},
		{"query empty", c.Query("", "", "no-such-keyword"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, tech := range tt.got {
				ids = append(ids, tech.TTPID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestAllIsDefensiveCopy(t *testing.T) {
	c := MustBuiltin()
	all := c.All()
	id := all[0].TTPID
	orig, _ := c.Get(id)

	all[0].Name = "changed"
	all[0].PayloadVariants[0].Command = "rm -rf"
	all[0].ValidationChecks[0] = "changed"

	again, _ := c.Get(id)
	assert.Equal(t, orig, again)
	assert.Contains(t, c.Tactics(), "Credential Access")
}

func TestGetIsDefensiveCopy(t *testing.T) {
	c := MustBuiltin()
	got, ok := c.Get("T1059.001")
	require.True(t, ok)
	want := got.PayloadVariants[0].Command

	got.PayloadVariants[0].Command = "rm -rf"
	got.ValidationChecks = append(got.ValidationChecks[:0], "changed")

	again, _ := c.Get("T1059.001")
	assert.Equal(t, want, again.PayloadVariants[0].Command)
	assert.NotEqual(t, "changed", again.ValidationChecks[0])

	filtered := c.Query("", "high", "powershell")
	require.NotEmpty(t, filtered)
	filtered[0].PayloadVariants[0].Command = "rm -rf"
	again, _ = c.Get(filtered[0].TTPID)
	assert.NotEqual(t, "rm -rf", again.PayloadVariants[0].Command)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := map[string]string{
		"bad id":        "techniques:\n- ttp_id: X1\n  severity: LOW\n  payloads: [{name: a, command: b}]\n",
		"bad severity":  "techniques:\n- ttp_id: T0001\n  severity: HUGE\n  payloads: [{name: a, command: b}]\n",
		"no payloads":   "techniques:\n- ttp_id: T0001\n  severity: LOW\n",
		"duplicate":     "techniques:\n- {ttp_id: T0001, severity: LOW, payloads: [{name: a, command: b}]}\n- {ttp_id: T0001, severity: LOW, payloads: [{name: a, command: b}]}\n",
		"damage range":  "techniques:\n- {ttp_id: T0001, severity: LOW, expected_damage: 150, payloads: [{name: a, command: b}]}\n",
		"not yaml list": "techniques: 3\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}
