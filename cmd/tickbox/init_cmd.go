package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goombaio/namegenerator"
)

const defaultAgentConfigJSON = `{
  "model": "",
  "thinking_tokens": 0,
  "initial_query": "",
  "hook_env_prefix": "AGENT"
}
`

// InitCmd creates a new data repo skeleton at DataRepo (section 6's
// "data-repo layout the runtime reads/writes") and registers it under
// Name in the operator's instance registry.
type InitCmd struct {
	DataRepo string `arg:"" help:"path to the data repo directory (created if missing)"`
	Name     string `help:"name to register this instance under; a name is generated if omitted"`
	SSHPort  int    `help:"container sshd port to exec over; 0 disables SSH exec in favor of the container CLI's own exec subcommand"`
}

func (c *InitCmd) Run(cctx *Context) error {
	if c.Name == "" {
		c.Name = namegenerator.NewNameGenerator(time.Now().UnixNano()).Generate()
	}

	abs, err := filepath.Abs(c.DataRepo)
	if err != nil {
		return fmt.Errorf("resolving data repo path: %w", err)
	}

	for _, dir := range []string{
		filepath.Join(abs, "system", "hooks", "pre-tick"),
		filepath.Join(abs, "system", "hooks", "pre-stop"),
		filepath.Join(abs, "system", "hooks", "post-tick"),
		filepath.Join(abs, "system", "container"),
		filepath.Join(abs, "system", "notifications"),
		filepath.Join(abs, "system", "logs", "sessions"),
		filepath.Join(abs, "tmp", "sessions"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	agentConfigPath := filepath.Join(abs, "system", "agent_config.json")
	if _, err := os.Stat(agentConfigPath); os.IsNotExist(err) {
		if err := os.WriteFile(agentConfigPath, []byte(defaultAgentConfigJSON), 0o640); err != nil {
			return fmt.Errorf("writing agent_config.json: %w", err)
		}
	}
	promptPath := filepath.Join(abs, "system", "prompt.md")
	if _, err := os.Stat(promptPath); os.IsNotExist(err) {
		if err := os.WriteFile(promptPath, nil, 0o640); err != nil {
			return fmt.Errorf("writing prompt.md: %w", err)
		}
	}

	if err := cctx.Registry.Upsert(Instance{
		Name:      c.Name,
		DataRepo:  abs,
		SSHPort:   c.SSHPort,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("registering instance: %w", err)
	}

	slog.Info("init", "name", c.Name, "data_repo", abs)
	fmt.Printf("initialized instance %q at %s\n", c.Name, abs)
	return nil
}
