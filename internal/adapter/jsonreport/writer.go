package jsonreport

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// Writer keeps one JSON document per test run under OutDir.
type Writer struct {
	OutDir string // e.g., ./results
}

func New(out string) *Writer { return &Writer{OutDir: out} }

func (w *Writer) Save(res *domain.TestResult) error {
	path, err := w.path(res.TestID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.OutDir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	return writeJSON(path, res)
}

func (w *Writer) Load(testID string) (*domain.TestResult, error) {
	path, err := w.path(testID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}

	var res domain.TestResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &res, nil
}

// List returns the stored test ids in name order.
func (w *Writer) List() ([]string, error) {
	entries, err := os.ReadDir(w.OutDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (w *Writer) path(testID string) (string, error) {
	if testID == "" || testID == "." || testID == ".." || strings.ContainsAny(testID, `/\`) {
		return "", fmt.Errorf("invalid test id %q", testID)
	}
	return filepath.Join(w.OutDir, testID+".json"), nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
