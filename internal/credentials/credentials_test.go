package credentials

import (
	"testing"

	"github.com/cloud-codex/cloud-codex/internal/common/logger"
)

func envMap(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				out[entry[:i]] = entry[i+1:]
				break
			}
		}
	}
	return out
}

func TestAgentEnvDiscoversCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	env := envMap(AgentEnv(nil, logger.Nop()))
	if env["OPENAI_API_KEY"] != "sk-test" {
		t.Errorf("expected discovered credential, got %v", env)
	}
}

func TestAgentEnvPassthrough(t *testing.T) {
	t.Setenv("CLOUDCODEX_AGENT_RUST_LOG", "debug")

	env := envMap(AgentEnv(nil, logger.Nop()))
	if env["RUST_LOG"] != "debug" {
		t.Errorf("expected passthrough var under its bare name, got %v", env)
	}
	if _, ok := env["CLOUDCODEX_AGENT_RUST_LOG"]; ok {
		t.Error("prefixed name must not leak into the agent env")
	}
}

func TestAgentEnvConfiguredWins(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-host")
	t.Setenv("CLOUDCODEX_AGENT_OPENAI_API_KEY", "sk-passthrough")

	env := envMap(AgentEnv(map[string]string{"OPENAI_API_KEY": "sk-configured"}, logger.Nop()))
	if env["OPENAI_API_KEY"] != "sk-configured" {
		t.Errorf("configured agent.env must win, got %q", env["OPENAI_API_KEY"])
	}
}

func TestAgentEnvPassthroughOverridesDiscovery(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp-host")
	t.Setenv("CLOUDCODEX_AGENT_GITHUB_TOKEN", "ghp-agent")

	env := envMap(AgentEnv(nil, logger.Nop()))
	if env["GITHUB_TOKEN"] != "ghp-agent" {
		t.Errorf("passthrough must override discovery, got %q", env["GITHUB_TOKEN"])
	}
}

func TestAgentEnvDeterministicOrder(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GITHUB_TOKEN", "ghp-test")

	first := AgentEnv(nil, logger.Nop())
	second := AgentEnv(nil, logger.Nop())
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("entry %d differs: %q vs %q", i, first[i], second[i])
		}
	}
}
