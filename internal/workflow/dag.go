package workflow

import "fmt"

// Validate checks that a definition's steps form a valid DAG:
// non-empty ids, no unknown or self dependencies, and no cycles.
func (d *Definition) Validate() error {
	if d.WorkflowID == "" {
		return fmt.Errorf("definition has empty workflow_id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %q has no steps", d.WorkflowID)
	}

	index := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		if step.StepID == "" {
			return fmt.Errorf("definition %q: step %d has empty step_id", d.WorkflowID, i)
		}
		if step.Capability == "" {
			return fmt.Errorf("definition %q: step %q has empty capability", d.WorkflowID, step.StepID)
		}
		if _, dup := index[step.StepID]; dup {
			return fmt.Errorf("definition %q: duplicate step_id %q", d.WorkflowID, step.StepID)
		}
		index[step.StepID] = i
	}

	for _, step := range d.Steps {
		for _, dep := range step.Dependencies {
			if dep == step.StepID {
				return fmt.Errorf("definition %q: step %q depends on itself", d.WorkflowID, step.StepID)
			}
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("definition %q: step %q depends on unknown step %q", d.WorkflowID, step.StepID, dep)
			}
		}
	}

	// Cycle detection with DFS coloring.
	const (
		white = 0 // not visited
		gray  = 1 // in current path
		black = 2 // fully processed
	)
	colors := make([]int, len(d.Steps))

	var dfs func(i int) error
	dfs = func(i int) error {
		colors[i] = gray
		for _, dep := range d.Steps[i].Dependencies {
			j := index[dep]
			switch colors[j] {
			case gray:
				return fmt.Errorf("definition %q: dependency cycle through steps %q and %q",
					d.WorkflowID, d.Steps[i].StepID, dep)
			case white:
				if err := dfs(j); err != nil {
					return err
				}
			}
		}
		colors[i] = black
		return nil
	}

	for i := range d.Steps {
		if colors[i] == white {
			if err := dfs(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadySteps returns the steps of an instance whose dependencies are all
// completed and whose own task is not already running or completed.
// Pure function over the instance's task map; ordering follows the
// definition's step order.
func ReadySteps(in *Instance) []Step {
	var ready []Step
	for _, step := range in.Definition.Steps {
		if stepReady(in, step) {
			ready = append(ready, step)
		}
	}
	return ready
}

func stepReady(in *Instance, step Step) bool {
	for _, dep := range step.Dependencies {
		task, ok := in.Tasks[dep]
		if !ok || task.Status != TaskCompleted {
			return false
		}
	}
	if task, ok := in.Tasks[step.StepID]; ok {
		switch task.Status {
		case TaskAssigned, TaskRunning, TaskCompleted, TaskRetrying:
			return false
		case TaskFailed, TaskCancelled:
			// A failed task is only re-dispatched via the retry path,
			// which resets it to pending first.
			return false
		}
	}
	return true
}

// OutstandingTasks counts tasks that are assigned, running, or retrying.
func OutstandingTasks(in *Instance) int {
	n := 0
	for _, task := range in.Tasks {
		switch task.Status {
		case TaskAssigned, TaskRunning, TaskRetrying:
			n++
		}
	}
	return n
}
