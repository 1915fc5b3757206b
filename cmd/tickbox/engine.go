package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/tickbox/tickbox/internal/containerhost"
	"github.com/tickbox/tickbox/internal/containerhost/sshauth"
	"github.com/tickbox/tickbox/internal/reposite"
	"github.com/tickbox/tickbox/internal/tick"
	"github.com/tickbox/tickbox/internal/tickstore"
)

const sshDomain = "tickbox.internal"

// buildEngine wires an Engine for inst the same way for both the tick and
// watch subcommands: a Repo rooted at the instance's data repo, a
// container Manager pointed at its build directory, and a History store
// persisted alongside system/ (outside tmp/, which is wiped every tick).
func buildEngine(ctx context.Context, inst Instance) (*tick.Engine, func(), error) {
	repo := reposite.New(inst.DataRepo)

	var authority *sshauth.Authority
	if inst.SSHPort != 0 {
		a, err := sshauth.New(ctx, sshDomain)
		if err != nil {
			return nil, nil, fmt.Errorf("setting up ssh authority: %w", err)
		}
		authority = a
	}

	containers := containerhost.NewManager(containerhost.Config{
		InstanceName:  inst.Name,
		BuildDir:      repo.ContainerBuildDir(),
		CacheDir:      repo.TmpDir(),
		DataRepoHost:  inst.DataRepo,
		DataRepoGuest: inst.DataRepo,
		Authority:     authority,
		SSHPort:       inst.SSHPort,
	})

	history, err := tickstore.Open(filepath.Join(inst.DataRepo, "system", "tickhistory.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening tick history store: %w", err)
	}

	engine := &tick.Engine{
		Repo:          repo,
		Containers:    containers,
		Sessions:      unlinkedProvider{},
		ContextWindow: defaultContextWindow,
		InstanceName:  inst.Name,
		DataDirGuest:  inst.DataRepo,
		History:       history,
	}
	return engine, func() { _ = history.Close() }, nil
}

const defaultContextWindow = 200_000
