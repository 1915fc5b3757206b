package containerhost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeBackend struct {
	containers []Container
	images     []ImageEntry
	execFn     func(name string, argv []string) execResult

	built   []string
	created []string
	started []string
	deleted []string
	removed []string
}

func (f *fakeBackend) listContainers(ctx context.Context) ([]Container, error) {
	return f.containers, nil
}

func (f *fakeBackend) inspect(ctx context.Context, name string) (Container, error) {
	for _, c := range f.containers {
		if c.Configuration.ID == name {
			return c, nil
		}
	}
	return Container{}, os.ErrNotExist
}

func (f *fakeBackend) listImages(ctx context.Context) ([]ImageEntry, error) {
	return f.images, nil
}

func (f *fakeBackend) buildImage(ctx context.Context, buildDir, tag string, opts BuildOpts) error {
	f.built = append(f.built, tag)
	f.images = append(f.images, ImageEntry{Reference: tag})
	return nil
}

func (f *fakeBackend) removeImage(ctx context.Context, tag string) error {
	f.removed = append(f.removed, tag)
	return nil
}

func (f *fakeBackend) createContainer(ctx context.Context, name, image string, opts CreateOpts) error {
	f.created = append(f.created, name)
	f.containers = append(f.containers, Container{
		Status: "running",
		Configuration: Configuration{
			ID:    name,
			Image: Image{Descriptor: Descriptor{Digest: image}},
		},
	})
	return nil
}

func (f *fakeBackend) startContainer(ctx context.Context, name string) error {
	f.started = append(f.started, name)
	return nil
}

func (f *fakeBackend) deleteContainer(ctx context.Context, name string, force bool) error {
	f.deleted = append(f.deleted, name)
	var remaining []Container
	for _, c := range f.containers {
		if c.Configuration.ID != name {
			remaining = append(remaining, c)
		}
	}
	f.containers = remaining
	return nil
}

func (f *fakeBackend) exec(ctx context.Context, name string, argv []string, env map[string]string) (execResult, error) {
	if f.execFn != nil {
		return f.execFn(name, argv), nil
	}
	return execResult{exitCode: 0}, nil
}

func newTestManager(t *testing.T, be backend) *Manager {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Containerfile"), []byte("FROM scratch\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	return &Manager{
		cli:           be,
		instanceName:  "tickbox-inst-1",
		buildDir:      dir,
		dataRepoHost:  "/data",
		dataRepoGuest: "/data",
	}
}

func TestEnsureReadyBuildsCreatesStartsFresh(t *testing.T) {
	be := &fakeBackend{}
	m := newTestManager(t, be)

	h, err := m.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if h.Name != "tickbox-inst-1" {
		t.Fatalf("want container name tickbox-inst-1, got %s", h.Name)
	}
	if len(be.built) != 1 {
		t.Fatalf("want one image build, got %v", be.built)
	}
	if len(be.created) != 1 || len(be.started) != 1 {
		t.Fatalf("want container created+started once, created=%v started=%v", be.created, be.started)
	}
}

func TestEnsureReadySkipsBuildWhenTagExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Containerfile"), []byte("FROM scratch\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	tag, err := HashBuildDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	be := &fakeBackend{images: []ImageEntry{{Reference: tag}}}
	m := &Manager{cli: be, instanceName: "inst", buildDir: dir, dataRepoHost: "/d", dataRepoGuest: "/d"}

	if _, err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(be.built) != 0 {
		t.Fatalf("want no rebuild when tag already exists, got %v", be.built)
	}
}

func TestEnsureReadyIsFreeOnSecondCall(t *testing.T) {
	be := &fakeBackend{}
	m := newTestManager(t, be)

	if _, err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("first EnsureReady: %v", err)
	}
	if _, err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("second EnsureReady: %v", err)
	}
	if len(be.created) != 1 {
		t.Fatalf("want container created exactly once across two EnsureReady calls, got %d", len(be.created))
	}
}

func TestEnsureReadyRecreatesOnFailedDNSProbe(t *testing.T) {
	be := &fakeBackend{}
	probes := 0
	be.execFn = func(name string, argv []string) execResult {
		probes++
		if probes == 1 {
			return execResult{exitCode: 1, stderr: []byte("no network")}
		}
		return execResult{exitCode: 0}
	}
	m := newTestManager(t, be)

	h, err := m.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if h.Name != "tickbox-inst-1" {
		t.Fatalf("unexpected handle: %+v", h)
	}
	if len(be.created) != 2 {
		t.Fatalf("want container recreated once after failed probe, created=%v", be.created)
	}
}

func TestPruneStaleContainersRemovesStoppedDifferentID(t *testing.T) {
	be := &fakeBackend{containers: []Container{
		{Status: "exited", Configuration: Configuration{ID: "tickbox-inst-1-old"}},
		{Status: "running", Configuration: Configuration{ID: "tickbox-inst-1"}},
		{Status: "exited", Configuration: Configuration{ID: "unrelated"}},
	}}
	m := &Manager{cli: be, instanceName: "tickbox-inst-1"}

	if err := m.pruneStaleContainers(context.Background(), "tickbox-inst-1", "tag"); err != nil {
		t.Fatalf("pruneStaleContainers: %v", err)
	}
	if len(be.deleted) != 1 || be.deleted[0] != "tickbox-inst-1-old" {
		t.Fatalf("want only tickbox-inst-1-old deleted, got %v", be.deleted)
	}
}

func TestPruneStaleImagesKeepsCurrentTag(t *testing.T) {
	be := &fakeBackend{images: []ImageEntry{
		{Reference: "current"},
		{Reference: "old-1"},
		{Reference: "old-2"},
	}}
	m := &Manager{cli: be}

	if err := m.pruneStaleImages(context.Background(), "current"); err != nil {
		t.Fatalf("pruneStaleImages: %v", err)
	}
	if len(be.removed) != 2 {
		t.Fatalf("want 2 stale images removed, got %v", be.removed)
	}
	for _, r := range be.removed {
		if r == "current" {
			t.Fatal("current tag should never be pruned")
		}
	}
}

func TestExecRequiresEnsureReadyFirst(t *testing.T) {
	m := &Manager{cli: &fakeBackend{}}
	if _, err := m.Exec(context.Background(), []string{"true"}, nil); err == nil {
		t.Fatal("want error when Exec is called before EnsureReady")
	}
}
