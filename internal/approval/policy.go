// Package approval interposes on agent-initiated approval requests: a policy
// engine synthesizes decisions for safe actions, everything else goes to the
// human through a pending table with a hard deadline, and every outcome is
// audited.
package approval

import (
	"regexp"
	"strings"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
	DecisionManual  Decision = "manual"
)

// readOnlyCommands are command prefixes considered side-effect free.
// Multi-token entries match the leading tokens of the command.
var readOnlyCommands = []string{
	"ls", "cat", "grep", "find", "head", "tail", "less", "more",
	"pwd", "echo", "date", "whoami", "which",
	"git log", "git status", "git diff", "git show",
	"npm list", "yarn list",
}

// PolicyConfig holds the auto-approval configuration.
type PolicyConfig struct {
	AutoApproveCommands []string
	AutoApprovePaths    []string
}

// Policy evaluates approval requests against the configured rules.
type Policy struct {
	cfg       PolicyConfig
	pathGlobs []*regexp.Regexp
}

// NewPolicy compiles the configured path globs and returns a policy engine.
func NewPolicy(cfg PolicyConfig) *Policy {
	p := &Policy{cfg: cfg}
	for _, glob := range cfg.AutoApprovePaths {
		if re := compileGlob(glob); re != nil {
			p.pathGlobs = append(p.pathGlobs, re)
		}
	}
	return p
}

// EvaluateCommand applies the command rules in order:
// read-only built-ins without output redirection, configured auto-approve
// prefixes, configured cwd globs; anything else goes to the human.
func (p *Policy) EvaluateCommand(command, cwd string) Decision {
	if isReadOnlyCommand(command) {
		return DecisionAccept
	}
	for _, prefix := range p.cfg.AutoApproveCommands {
		if prefix != "" && strings.HasPrefix(command, prefix) {
			return DecisionAccept
		}
	}
	for _, re := range p.pathGlobs {
		if re.MatchString(cwd) {
			return DecisionAccept
		}
	}
	return DecisionManual
}

// EvaluateFileChange always defers to the human in the current policy.
func (p *Policy) EvaluateFileChange() Decision {
	return DecisionManual
}

// isReadOnlyCommand reports whether the command starts with a read-only
// prefix and contains no output redirection.
func isReadOnlyCommand(command string) bool {
	if strings.Contains(command, ">") {
		return false
	}
	trimmed := strings.TrimSpace(command)
	for _, prefix := range readOnlyCommands {
		if trimmed == prefix || strings.HasPrefix(trimmed, prefix+" ") {
			return true
		}
	}
	return false
}

// compileGlob translates a shell-style glob (* wildcard) into an anchored
// regular expression.
func compileGlob(glob string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
