package tick

import (
	"encoding/json"
	"os"
)

// AgentConfig is system/agent_config.json (section 6). A missing or
// malformed file is DataRepoMalformed and never fatal: loadAgentConfig
// falls back to these defaults.
type AgentConfig struct {
	Model         string `json:"model"`
	ThinkingTokens int   `json:"thinking_tokens"`
	InitialQuery  string `json:"initial_query"`
	HookEnvPrefix string `json:"hook_env_prefix"`
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{HookEnvPrefix: "AGENT"}
}

func loadAgentConfig(path string) AgentConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultAgentConfig()
	}
	var cfg AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return defaultAgentConfig()
	}
	if cfg.HookEnvPrefix == "" {
		cfg.HookEnvPrefix = "AGENT"
	}
	return cfg
}

// loadPrompt reads system/prompt.md, returning an empty string on any
// error (DataRepoMalformed never fatal).
func loadPrompt(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// StartupEntry is one entry in system/startup.json, consumed by login.
type StartupEntry struct {
	Slot    *int   `json:"slot,omitempty"`
	Command string `json:"command"`
}

func loadStartup(path string) []StartupEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var entries []StartupEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

// loadAgents reads system/agents.json as an opaque document forwarded to
// the session provider verbatim.
func loadAgents(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var agents map[string]any
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil
	}
	return agents
}
