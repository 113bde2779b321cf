// Package fixer defines the contract for AI remediation collaborators.
// Real providers (Claude, OpenAI, Ollama fallback chains) live outside
// this repository; the processor depends only on this interface.
package fixer

import (
	"context"

	"actifix/internal/domain"
)

// Fixer is the abstraction over remediation backends.
type Fixer interface {
	// GenerateFix produces a remediation for the ticket snapshot. A
	// failed remediation is reported in FixResult.Success/Err; the
	// error return is reserved for transport-level failures.
	GenerateFix(ctx context.Context, t domain.Ticket) (domain.FixResult, error)
	Name() string
}

// Func adapts a function to the Fixer interface.
type Func func(ctx context.Context, t domain.Ticket) (domain.FixResult, error)

func (f Func) GenerateFix(ctx context.Context, t domain.Ticket) (domain.FixResult, error) {
	return f(ctx, t)
}

func (f Func) Name() string { return "func" }

// Static returns a fixer that always yields the same result; used for
// dry runs and tests.
func Static(result domain.FixResult) Fixer {
	return staticFixer{result: result}
}

type staticFixer struct {
	result domain.FixResult
}

func (s staticFixer) GenerateFix(ctx context.Context, t domain.Ticket) (domain.FixResult, error) {
	return s.result, nil
}

func (s staticFixer) Name() string {
	if s.result.Provider != "" {
		return s.result.Provider
	}
	return "static"
}
