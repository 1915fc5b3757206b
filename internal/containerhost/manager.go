// Package containerhost is the container manager (spec C4): it brings up
// a running container whose image matches the current build directory's
// content hash, execs commands inside it, and tears down stale containers
// and images.
package containerhost

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/tickbox/tickbox/internal/containerhost/sshauth"
	"github.com/tickbox/tickbox/internal/hooks"
)

// Handle identifies a running, ready container. Immutable once
// EnsureReady returns within a tick (section "Invariants").
type Handle struct {
	Name      string
	ImageTag  string
	DNSName   string
}

// backend is the subset of cli's methods Manager depends on, broken out
// as an interface so tests can substitute a fake instead of shelling out
// to a real `container` binary.
type backend interface {
	listContainers(ctx context.Context) ([]Container, error)
	inspect(ctx context.Context, name string) (Container, error)
	listImages(ctx context.Context) ([]ImageEntry, error)
	buildImage(ctx context.Context, buildDir, tag string, opts BuildOpts) error
	removeImage(ctx context.Context, tag string) error
	createContainer(ctx context.Context, name, image string, opts CreateOpts) error
	startContainer(ctx context.Context, name string) error
	deleteContainer(ctx context.Context, name string, force bool) error
	exec(ctx context.Context, name string, argv []string, env map[string]string) (execResult, error)
}

// Manager brings up and tears down the instance container.
type Manager struct {
	cli           backend
	authority     *sshauth.Authority
	instanceName  string
	buildDir      string
	cacheDir      string
	dataRepoHost  string
	dataRepoGuest string
	sshPort       int

	handle  *Handle
	sshExec *sshExecer
}

// Config configures a Manager for one instance.
type Config struct {
	InstanceName  string
	BuildDir      string // system/container in the data repo
	CacheDir      string // tmp in the data repo; "" disables hash memoization
	DataRepoHost  string // absolute host path of the data repo
	DataRepoGuest string // absolute in-container mount path; equals DataRepoHost per the spec's 1:1 mount
	Authority     *sshauth.Authority
	// SSHPort, when nonzero, makes Exec dial the container's sshd with a
	// certificate issued by Authority instead of shelling through the
	// container CLI's own exec subcommand (section 2.4).
	SSHPort int
}

// NewManager builds a Manager for the given instance.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cli:           newCLI(),
		authority:     cfg.Authority,
		instanceName:  cfg.InstanceName,
		buildDir:      cfg.BuildDir,
		cacheDir:      cfg.CacheDir,
		dataRepoHost:  cfg.DataRepoHost,
		dataRepoGuest: cfg.DataRepoGuest,
		sshPort:       cfg.SSHPort,
	}
}

// hashCachePath is tmp/.image_hash_cache.json, wiped with the rest of
// tmp/ at the end of every tick (section 6).
func (m *Manager) hashCachePath() string {
	if m.cacheDir == "" {
		return ""
	}
	return filepath.Join(m.cacheDir, ".image_hash_cache.json")
}

const wellKnownDNSProbeCommand = "getent"

// wellKnownDNSProbeHost is resolved to verify the container's DNS resolver
// is actually reaching a nameserver, not just short-circuiting through
// /etc/hosts or NSS's files database the way "localhost" would.
const wellKnownDNSProbeHost = "google.com"

// EnsureReady idempotently brings up a running container whose image
// matches the current build directory's content hash and whose internal
// DNS works (section 4.1). Subsequent calls within a tick, once a Handle
// is cached, are free.
func (m *Manager) EnsureReady(ctx context.Context) (Handle, error) {
	if m.handle != nil {
		return *m.handle, nil
	}

	tag, err := HashBuildDirCached(m.buildDir, m.hashCachePath())
	if err != nil {
		return Handle{}, fmt.Errorf("hashing build dir: %w", err)
	}

	if err := m.ensureImage(ctx, tag); err != nil {
		return Handle{}, fmt.Errorf("ensuring image: %w", err)
	}

	containerName := m.instanceName
	if err := m.pruneStaleContainers(ctx, containerName, tag); err != nil {
		slog.WarnContext(ctx, "containerhost.EnsureReady", "prune_containers_error", err)
	}
	if err := m.pruneStaleImages(ctx, tag); err != nil {
		slog.WarnContext(ctx, "containerhost.EnsureReady", "prune_images_error", err)
	}

	existing, err := m.cli.inspect(ctx, containerName)
	running := err == nil && existing.Status == "running" && existing.Configuration.Image.Descriptor.Digest == tag
	if !running {
		if err == nil {
			// A stale container exists under this name; replace it.
			_ = m.cli.deleteContainer(ctx, containerName, true)
		}
		if err := m.createAndStart(ctx, containerName, tag); err != nil {
			return Handle{}, fmt.Errorf("creating container: %w", err)
		}
	}

	if err := m.probeDNS(ctx, containerName); err != nil {
		slog.WarnContext(ctx, "containerhost.EnsureReady", "dns_probe_failed_recreating", err)
		_ = m.cli.deleteContainer(ctx, containerName, true)
		if err := m.createAndStart(ctx, containerName, tag); err != nil {
			return Handle{}, fmt.Errorf("recreating container after failed DNS probe: %w", err)
		}
		if err := m.probeDNS(ctx, containerName); err != nil {
			return Handle{}, fmt.Errorf("DNS still unreachable after one recreate: %w", err)
		}
	}

	h := Handle{Name: containerName, ImageTag: tag, DNSName: containerName}
	m.handle = &h

	if m.authority != nil && m.sshPort != 0 && m.sshExec == nil {
		exec, err := newSSHExecer(m.authority, h.DNSName, fmt.Sprintf("%s:%d", h.DNSName, m.sshPort))
		if err != nil {
			slog.WarnContext(ctx, "containerhost.EnsureReady", "ssh_exec_unavailable_falling_back_to_cli", err)
		} else {
			m.sshExec = exec
		}
	}
	return h, nil
}

func (m *Manager) ensureImage(ctx context.Context, tag string) error {
	images, err := m.cli.listImages(ctx)
	if err != nil {
		return err
	}
	for _, img := range images {
		if img.Descriptor.Digest == tag || img.Reference == tag {
			return nil // existing tag: build is skipped (section 4.1).
		}
	}
	return m.cli.buildImage(ctx, m.buildDir, tag, BuildOpts{})
}

func (m *Manager) createAndStart(ctx context.Context, containerName, tag string) error {
	mounts := []string{fmt.Sprintf("type=bind,source=%s,target=%s", m.dataRepoHost, m.dataRepoGuest)}
	if err := m.cli.createContainer(ctx, containerName, tag, CreateOpts{Mounts: mounts, SSH: true}); err != nil {
		return err
	}
	return m.cli.startContainer(ctx, containerName)
}

// probeDNS resolves a well-known name inside the container to verify
// networking survived a host reboot (section 4.1).
func (m *Manager) probeDNS(ctx context.Context, containerName string) error {
	res, err := m.cli.exec(ctx, containerName, []string{wellKnownDNSProbeCommand, "hosts", wellKnownDNSProbeHost}, nil)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return fmt.Errorf("dns probe exited %d: %s", res.exitCode, string(res.stderr))
	}
	return nil
}

// pruneStaleContainers removes stopped containers sharing namePrefix but
// carrying a different id (section "Pruning").
func (m *Manager) pruneStaleContainers(ctx context.Context, namePrefix, currentTag string) error {
	containers, err := m.cli.listContainers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.Status == "running" {
			continue
		}
		if !strings.HasPrefix(c.Configuration.ID, namePrefix) {
			continue
		}
		if c.Configuration.ID == namePrefix {
			continue
		}
		_ = m.cli.deleteContainer(ctx, c.Configuration.ID, true)
	}
	return nil
}

// pruneStaleImages deletes images whose tag is not the current hash
// (section "Pruning").
func (m *Manager) pruneStaleImages(ctx context.Context, currentTag string) error {
	images, err := m.cli.listImages(ctx)
	if err != nil {
		return err
	}
	for _, img := range images {
		if img.Reference == currentTag {
			continue
		}
		_ = m.cli.removeImage(ctx, img.Reference)
	}
	return nil
}

// Exec runs argv inside the ready container with optional env, honoring
// ctx's deadline as the command timeout (section 4.1 contract). Exec's
// signature matches hooks.Execer so Manager can run hook scripts directly.
func (m *Manager) Exec(ctx context.Context, argv []string, env map[string]string) (hooks.ExecResult, error) {
	if m.handle == nil {
		return hooks.ExecResult{}, fmt.Errorf("exec called before EnsureReady")
	}
	var res execResult
	var err error
	if m.sshExec != nil {
		res, err = m.sshExec.exec(ctx, argv, env)
	} else {
		res, err = m.cli.exec(ctx, m.handle.Name, argv, env)
	}
	if err != nil {
		return hooks.ExecResult{}, err
	}
	return hooks.ExecResult{ExitCode: res.exitCode, Stdout: res.stdout, Stderr: res.stderr}, nil
}

// ListDir lists a directory inside the container, matching hooks.Lister
// so Manager can enumerate hook script directories directly.
func (m *Manager) ListDir(ctx context.Context, dir string) ([]hooks.Dirent, error) {
	if m.handle == nil {
		return nil, fmt.Errorf("ListDir called before EnsureReady")
	}
	res, err := m.cli.exec(ctx, m.handle.Name, []string{"ls", "-p", dir}, nil)
	if err != nil {
		return nil, err
	}
	if res.exitCode != 0 {
		return nil, fmt.Errorf("ls %s exited %d", dir, res.exitCode)
	}
	var entries []hooks.Dirent
	for _, line := range strings.Split(strings.TrimSpace(string(res.stdout)), "\n") {
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "/") {
			continue // subdirectory, not a hook script
		}
		entries = append(entries, hooks.Dirent{Name: line, Executable: true})
	}
	return entries, nil
}
