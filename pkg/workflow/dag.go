// Package workflow executes step lists either sequentially or as a DAG, and
// schedules recurring runs.
package workflow

import (
	"fmt"

	"github.com/agentplane/agentplane/pkg/store"
)

// Node types.
const (
	NodeAgent     = "agent"
	NodeStart     = "start"
	NodeEnd       = "end"
	NodeCondition = "condition"
)

// IsDAG reports whether the step list runs in DAG mode: any step carrying a
// stable id opts the whole workflow in.
func IsDAG(steps []store.WorkflowStep) bool {
	for _, step := range steps {
		if step.ID != "" {
			return true
		}
	}
	return false
}

// ValidateDAG checks that ids are unique, dependencies resolve, and the
// graph is acyclic (iterative three-color DFS).
func ValidateDAG(steps []store.WorkflowStep) error {
	nodes := make(map[string]store.WorkflowStep, len(steps))
	for _, step := range steps {
		if step.ID == "" {
			return fmt.Errorf("step %q has no id; DAG mode requires ids on every step", step.Task)
		}
		if _, dup := nodes[step.ID]; dup {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		nodes[step.ID] = step
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", step.ID, dep)
			}
		}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(nodes))

	for _, start := range steps {
		if color[start.ID] != white {
			continue
		}
		// Each frame revisits its node after pushing dependencies so it can
		// be blackened once the subtree is done.
		stack := []string{start.ID}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			switch color[id] {
			case white:
				color[id] = gray
				for _, dep := range nodes[id].DependsOn {
					switch color[dep] {
					case gray:
						return fmt.Errorf("cycle detected through step %q", dep)
					case white:
						stack = append(stack, dep)
					}
				}
			case gray:
				color[id] = black
				stack = stack[:len(stack)-1]
			default:
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil
}

// dependents inverts the dependency edges.
func dependents(steps []store.WorkflowStep) map[string][]string {
	out := make(map[string][]string)
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			out[dep] = append(out[dep], step.ID)
		}
	}
	return out
}

// sinks returns ids of nodes nothing depends on.
func sinks(steps []store.WorkflowStep) []string {
	down := dependents(steps)
	var out []string
	for _, step := range steps {
		if len(down[step.ID]) == 0 {
			out = append(out, step.ID)
		}
	}
	return out
}
