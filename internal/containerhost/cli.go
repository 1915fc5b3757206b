package containerhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/tickbox/tickbox/internal/containerhost/cliopts"
)

// cli shells out to the `container` CLI binary, the same way the original
// sandbox tooling this package descends from did: every lifecycle
// operation is one subprocess invocation, and results are parsed from its
// JSON or line-oriented stdout.
type cli struct {
	bin string
}

func newCLI() *cli {
	return &cli{bin: "container"}
}

func (c *cli) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %s: %w: %s", c.bin, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// listContainers returns `container list --all --format json` parsed into
// Container entries keyed by configuration ID.
func (c *cli) listContainers(ctx context.Context) ([]Container, error) {
	out, err := c.run(ctx, "list", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}
	var containers []Container
	if err := json.Unmarshal(out, &containers); err != nil {
		return nil, fmt.Errorf("parsing container list: %w", err)
	}
	return containers, nil
}

// inspect returns `container inspect <name>` parsed into a Container.
func (c *cli) inspect(ctx context.Context, name string) (Container, error) {
	out, err := c.run(ctx, "inspect", name)
	if err != nil {
		return Container{}, err
	}
	var containers []Container
	if err := json.Unmarshal(out, &containers); err != nil {
		return Container{}, fmt.Errorf("parsing container inspect: %w", err)
	}
	if len(containers) == 0 {
		return Container{}, fmt.Errorf("container %s not found", name)
	}
	return containers[0], nil
}

// listImages returns `container images list --format json`.
func (c *cli) listImages(ctx context.Context) ([]ImageEntry, error) {
	out, err := c.run(ctx, "images", "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	var images []ImageEntry
	if err := json.Unmarshal(out, &images); err != nil {
		return nil, fmt.Errorf("parsing image list: %w", err)
	}
	return images, nil
}

func (c *cli) buildImage(ctx context.Context, buildDir, tag string, opts BuildOpts) error {
	args := append([]string{"build", "--tag", tag}, opts.toArgs()...)
	args = append(args, buildDir)
	_, err := c.run(ctx, args...)
	return err
}

func (c *cli) removeImage(ctx context.Context, tag string) error {
	_, err := c.run(ctx, "images", "rm", tag)
	return err
}

func (c *cli) createContainer(ctx context.Context, name, image string, opts CreateOpts) error {
	args := append([]string{"create", "--name", name}, opts.toArgs()...)
	args = append(args, image)
	_, err := c.run(ctx, args...)
	return err
}

func (c *cli) startContainer(ctx context.Context, name string) error {
	_, err := c.run(ctx, "start", name)
	return err
}

func (c *cli) stopContainer(ctx context.Context, name string) error {
	_, err := c.run(ctx, "stop", name)
	return err
}

func (c *cli) deleteContainer(ctx context.Context, name string, force bool) error {
	args := []string{"delete"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, name)
	_, err := c.run(ctx, args...)
	return err
}

// execResult is the raw parsed shape of `container exec`'s output this
// package needs: the hook runner and the terminal manager both run
// commands via Manager.Exec, which wraps this.
type execResult struct {
	stdout   []byte
	stderr   []byte
	exitCode int
}

func (c *cli) exec(ctx context.Context, name string, argv []string, env map[string]string) (execResult, error) {
	args := []string{"exec"}
	for k, v := range env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, name)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	result := execResult{stdout: stdout.Bytes(), stderr: stderr.Bytes()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.exitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("container exec %s: %w", name, err)
	}
	return result, nil
}

// BuildOpts configures an image build invocation; its flags are the
// subset of cliopts.BuildOptions EnsureReady ever needs to set (Tag is
// passed separately by buildImage, so it's left zero here).
type BuildOpts struct {
	File     string
	Platform string
}

func (o BuildOpts) toArgs() []string {
	opts := cliopts.BuildOptions{File: o.File, Platform: o.Platform}
	return cliopts.ToArgs(&opts)
}

// CreateOpts configures a container create invocation.
type CreateOpts struct {
	Mounts  []string // --mount specs, e.g. "type=bind,source=<host>,target=<guest>"
	SSH     bool
	Network string
}

func (o CreateOpts) toArgs() []string {
	opts := cliopts.CreateContainer{
		ManagementOptions: cliopts.ManagementOptions{
			Mount:   o.Mounts,
			SSH:     o.SSH,
			Network: o.Network,
		},
	}
	return cliopts.ToArgs(&opts)
}
