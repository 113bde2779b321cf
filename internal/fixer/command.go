package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"actifix/internal/domain"
)

// Command runs an external remediation program. The ticket is written
// to stdin as JSON; stdout becomes the fix content. A non-zero exit is
// a failed remediation, not a transport error, so the attempt counter
// advances instead of crashing the worker.
func Command(name string, args ...string) Fixer {
	return commandFixer{name: name, args: args}
}

type commandFixer struct {
	name string
	args []string
}

func (c commandFixer) GenerateFix(ctx context.Context, t domain.Ticket) (domain.FixResult, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return domain.FixResult{}, err
	}
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = err.Error()
		}
		return domain.FixResult{Provider: c.Name(), Err: reason}, nil
	}
	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return domain.FixResult{Provider: c.Name(), Err: "fix command produced no output"}, nil
	}
	return domain.FixResult{Success: true, Content: content, Provider: c.Name()}, nil
}

func (c commandFixer) Name() string { return "cmd:" + c.name }
