package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DeterminismError reports two runs of one scenario producing
// different canonical traces. That should be impossible for a correct
// engine, so any instance is a bug, not a flaky test.
type DeterminismError struct {
	Scenario string
	WorkersA int
	WorkersB int
	Detail   string
}

// Error implements the error interface.
func (e *DeterminismError) Error() string {
	return fmt.Sprintf(
		"scenario %q diverges between workers=%d and workers=%d: %s",
		e.Scenario, e.WorkersA, e.WorkersB, e.Detail,
	)
}

// VerifyDeterminism runs a scenario once per worker count and
// compares the canonical traces byte for byte. With no counts given
// it compares a serial run against a concurrent one.
func VerifyDeterminism(scenario *Scenario, workerCounts ...int) error {
	if len(workerCounts) == 0 {
		workerCounts = []int{1, 4}
	}

	var base []byte
	baseWorkers := 0
	for i, w := range workerCounts {
		s := *scenario
		s.Workers = w
		result, err := Run(&s)
		if err != nil {
			return fmt.Errorf("workers=%d: %w", w, err)
		}
		buf, err := CanonicalTrace(scenario.Name, result)
		if err != nil {
			return fmt.Errorf("workers=%d: %w", w, err)
		}

		if i == 0 {
			base = buf
			baseWorkers = w
			continue
		}
		if !bytes.Equal(base, buf) {
			return &DeterminismError{
				Scenario: scenario.Name,
				WorkersA: baseWorkers,
				WorkersB: w,
				Detail:   diffDetail(base, buf),
			}
		}
	}
	return nil
}

// diffDetail locates the first divergence between two canonical traces.
func diffDetail(a, b []byte) string {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return fmt.Sprintf("traces diverge at byte %d", i)
		}
	}
	return fmt.Sprintf("trace lengths differ: %d vs %d bytes", len(a), len(b))
}

// DiscoverScenarios finds YAML scenario files under dir. A non-empty
// filter is matched (filepath.Match) against each file's basename
// without extension.
func DiscoverScenarios(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			base := filepath.Base(path)
			name := strings.TrimSuffix(base, ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}
