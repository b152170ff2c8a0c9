// Package credentials assembles the extra environment handed to agent
// subprocesses. The supervisor inherits the host environment as-is; this
// package contributes the credential and override entries layered on top of
// it, per session.
package credentials

import (
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/cloud-codex/cloud-codex/internal/common/logger"
)

// passthroughPrefix marks host variables operators want forwarded into the
// agent environment under their bare name: CLOUDCODEX_AGENT_FOO=bar becomes
// FOO=bar for the subprocess.
const passthroughPrefix = "CLOUDCODEX_AGENT_"

// agentCredentialVars are the host credentials the Codex app-server reads
// when ~/.codex/auth.json is absent, plus the tokens its shell sessions
// commonly need for git and package registries.
var agentCredentialVars = []string{
	"OPENAI_API_KEY",
	"OPENAI_BASE_URL",
	"ANTHROPIC_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"NPM_TOKEN",
}

// AgentEnv builds the KEY=VALUE entries appended to a session's agent
// environment. Precedence, lowest to highest: credentials discovered in the
// host environment, CLOUDCODEX_AGENT_* passthrough variables, and the
// configured agent.env entries. Only variable names are ever logged.
func AgentEnv(configured map[string]string, log *logger.Logger) []string {
	merged := make(map[string]string)

	for _, key := range agentCredentialVars {
		if value := os.Getenv(key); value != "" {
			merged[key] = value
		}
	}

	for _, entry := range os.Environ() {
		if !strings.HasPrefix(entry, passthroughPrefix) {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(entry, passthroughPrefix), "=")
		if !ok || key == "" || value == "" {
			continue
		}
		merged[key] = value
	}

	for key, value := range configured {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+merged[key])
	}

	log.Named("credentials").Debug("agent environment assembled",
		zap.Strings("vars", keys))
	return env
}
