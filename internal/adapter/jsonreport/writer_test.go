package jsonreport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

func sampleResult(id string) *domain.TestResult {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	res := &domain.TestResult{
		TestID:    id,
		TestName:  "Duel " + id,
		Status:    "completed",
		StartTime: start,
		Attacks: []domain.TechniqueResult{{
			TTPID:    "T1027",
			Severity: domain.SeverityHigh,
			Outcomes: []domain.AttackOutcome{{Role: "alpha", Executed: true, DamageDealt: 10}},
		}},
		FinalScore: domain.FinalScore{"alpha": {HPRemaining: 90, DamageTaken: 10, TotalScore: 90}},
		Winner:     domain.Verdict{Winner: "beta", Label: "Beta"},
	}
	res.Stamp(start.Add(90 * time.Second))
	return res
}

func TestWriter_SaveLoad(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "results"))

	require.NoError(t, w.Save(sampleResult("duel-1")))
	require.NoError(t, w.Save(sampleResult("duel-0")))

	_, err := os.Stat(filepath.Join(w.OutDir, "duel-1.json"))
	require.NoError(t, err)

	got, err := w.Load("duel-1")
	require.NoError(t, err)
	assert.Equal(t, "Duel duel-1", got.TestName)
	assert.Equal(t, 90.0, got.DurationSeconds)
	assert.Equal(t, 90, got.FinalScore["alpha"].HPRemaining)
	assert.Equal(t, domain.Role("beta"), got.Winner.Winner)

	ids, err := w.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"duel-0", "duel-1"}, ids)
}

func TestWriter_LoadMissing(t *testing.T) {
	w := New(t.TempDir())
	_, err := w.Load("nope")
	assert.ErrorIs(t, err, domain.ErrResultNotFound)
}

func TestWriter_RejectsPathTraversal(t *testing.T) {
	w := New(t.TempDir())
	for _, id := range []string{"", "..", "../etc/passwd", `a\b`} {
		assert.Error(t, w.Save(&domain.TestResult{TestID: id}), id)
		_, err := w.Load(id)
		assert.Error(t, err, id)
	}
}

func TestWriter_ListEmptyDir(t *testing.T) {
	ids, err := New(filepath.Join(t.TempDir(), "absent")).List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
