package scheduler

import "github.com/dvloznov/finance-elt/internal/domain"

// ResumePlan picks the steps of a previous attempt that a retry can carry over
// instead of executing again. Only SUCCEEDED steps are carried. An ephemeral
// step is dropped from the plan when any of its direct dependents will run,
// since its output does not survive the previous process.
func ResumePlan(g *Graph, prior []*domain.StepExecution) map[string]*domain.StepExecution {
	carried := make(map[string]*domain.StepExecution)
	for _, s := range prior {
		if _, ok := g.Node(s.StepName); !ok {
			continue
		}
		if s.Status == domain.StepSucceeded {
			carried[s.StepName] = s
		}
	}

	for changed := true; changed; {
		changed = false
		for _, name := range g.Order() {
			if _, ok := carried[name]; !ok {
				continue
			}
			node, _ := g.Node(name)
			if !node.Ephemeral {
				continue
			}
			for _, d := range g.Dependents(name) {
				if _, ok := carried[d]; !ok {
					delete(carried, name)
					changed = true
					break
				}
			}
		}
	}
	return carried
}
