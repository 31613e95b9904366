package scheduler

import (
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
)

// Outcome is the terminal summary of a run.
type Outcome struct {
	Status      domain.RunStatus
	FailedStep  string
	ErrorKind   string
	ErrorDetail string
}

// Summarize derives the run status from its step executions:
// SUCCEEDED when every step succeeded, PARTIALLY_SUCCEEDED when at least one
// sink succeeded, FAILED otherwise. The first failed step in topological
// order supplies the error fields.
func Summarize(g *Graph, steps map[string]*domain.StepExecution) Outcome {
	all := true
	for _, name := range g.Order() {
		if s, ok := steps[name]; !ok || s.Status != domain.StepSucceeded {
			all = false
			break
		}
	}
	if all {
		return Outcome{Status: domain.RunSucceeded}
	}

	out := Outcome{Status: domain.RunFailed}
	for _, name := range g.Sinks() {
		if s, ok := steps[name]; ok && s.Status == domain.StepSucceeded {
			out.Status = domain.RunPartiallySucceeded
			break
		}
	}

	for _, name := range g.Order() {
		s, ok := steps[name]
		if ok && s.Status == domain.StepFailed {
			out.FailedStep = name
			out.ErrorKind = s.ErrorKind
			out.ErrorDetail = s.ErrorDetail
			break
		}
	}
	if out.FailedStep == "" {
		// Nothing failed outright, so steps were skipped by cancellation.
		for _, name := range g.Order() {
			if s, ok := steps[name]; ok && s.Status == domain.StepSkipped {
				out.FailedStep = name
				out.ErrorKind = s.ErrorKind
				out.ErrorDetail = s.ErrorDetail
				break
			}
		}
	}
	if out.ErrorKind == "" {
		out.ErrorKind = string(failure.Internal)
	}
	return out
}
