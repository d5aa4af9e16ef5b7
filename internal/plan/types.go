// Package plan defines workflow plans (ordered task definitions), validates
// them, and derives the parallel-safe execution batches from the data
// dependencies declared in prompt templates.
package plan

import (
	"strings"

	"github.com/loomworks/loom/internal/faults"
)

// maxTaskNameLen matches the storage column width for task names.
const maxTaskNameLen = 255

// Task is a single named unit of work in a plan. Immutable once the plan is
// constructed.
type Task struct {
	Name        string `json:"task_name" yaml:"task_name"`
	Description string `json:"task_description" yaml:"task_description"`
	Template    string `json:"prompt_template" yaml:"prompt_template"`
}

// Validate checks the structural plan invariants: task names must be
// non-empty, unique within the plan, and fit the storage column.
func Validate(tasks []Task) error {
	seen := make(map[string]struct{}, len(tasks))
	for i, t := range tasks {
		if strings.TrimSpace(t.Name) == "" {
			return faults.Errorf(faults.InvalidInput, "task at index %d has an empty name", i)
		}
		if len(t.Name) > maxTaskNameLen {
			return faults.Errorf(faults.InvalidInput, "task name %q exceeds %d characters", t.Name[:32]+"...", maxTaskNameLen)
		}
		if _, dup := seen[t.Name]; dup {
			return faults.Errorf(faults.InvalidInput, "duplicate task name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// Names returns the task names in authored order.
func Names(tasks []Task) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	return names
}
