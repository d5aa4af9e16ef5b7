package plan

import (
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/prompt"
)

// Analyzer derives the batch schedule for a plan from the variable
// references in each task's prompt template.
type Analyzer struct {
	logger *zap.Logger
}

// NewAnalyzer constructs an Analyzer. A nil logger is replaced with a no-op.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: logger}
}

// Batches validates the plan and layers it into topologically ordered
// batches. Tasks within a batch have no dependency between them and keep
// their authored order. The result is deterministic for a given input.
//
// Dependency rules per template variable:
//   - user_request: no dependency
//   - prev_output: depends on the task immediately preceding in authored
//     order (none for the first task)
//   - a task name from this plan: depends on that task
//   - anything else: external input, no dependency
//
// A plan whose dependency graph cannot make progress is cyclic and rejected
// as invalid input. Nothing is persisted for a rejected plan.
func (a *Analyzer) Batches(tasks []Task) ([][]Task, error) {
	if err := Validate(tasks); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	deps := dependencies(tasks)

	done := make(map[string]struct{}, len(tasks))
	remaining := len(tasks)
	var batches [][]Task

	for remaining > 0 {
		var batch []Task
		for _, t := range tasks {
			if _, ok := done[t.Name]; ok {
				continue
			}
			ready := true
			for dep := range deps[t.Name] {
				if _, ok := done[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, t)
			}
		}
		if len(batch) == 0 {
			return nil, faults.New(faults.InvalidInput, "cycle detected in task dependency graph")
		}
		for _, t := range batch {
			done[t.Name] = struct{}{}
		}
		remaining -= len(batch)
		batches = append(batches, batch)
	}

	a.logger.Debug("Plan analyzed",
		zap.Int("tasks", len(tasks)),
		zap.Int("batches", len(batches)),
	)
	return batches, nil
}

// Dependencies returns each task's dependency set keyed by task name.
// Exposed for callers that need the raw graph, such as validation surfaces.
func (a *Analyzer) Dependencies(tasks []Task) map[string][]string {
	deps := dependencies(tasks)
	out := make(map[string][]string, len(deps))
	for name, set := range deps {
		list := make([]string, 0, len(set))
		for _, t := range tasks {
			if _, ok := set[t.Name]; ok {
				list = append(list, t.Name)
			}
		}
		out[name] = list
	}
	return out
}

func dependencies(tasks []Task) map[string]map[string]struct{} {
	names := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		names[t.Name] = struct{}{}
	}

	deps := make(map[string]map[string]struct{}, len(tasks))
	for i, t := range tasks {
		d := make(map[string]struct{})
		for _, v := range prompt.ExtractVariables(t.Template) {
			switch {
			case v == prompt.VarUserRequest:
				// Supplied by the caller, never a task dependency.
			case v == prompt.VarPrevOutput:
				if i > 0 {
					d[tasks[i-1].Name] = struct{}{}
				}
			default:
				if _, ok := names[v]; ok {
					d[v] = struct{}{}
				}
				// Unknown identifiers are external inputs and render empty.
			}
		}
		deps[t.Name] = d
	}
	return deps
}

// Predecessors maps each task name to the name of the task immediately
// preceding it in authored order. The first task has no predecessor.
func Predecessors(tasks []Task) map[string]string {
	prev := make(map[string]string, len(tasks))
	for i := 1; i < len(tasks); i++ {
		prev[tasks[i].Name] = tasks[i-1].Name
	}
	return prev
}
