package main

import "fmt"

// InstallCmd writes and enables a systemd user unit that runs `tickbox
// watch <name>` continuously, so the instance keeps ticking across
// reboots without a login shell open (section 2.12).
type InstallCmd struct {
	Name string `arg:"" help:"registered instance name"`
}

func (c *InstallCmd) Run(cctx *Context) error {
	if _, err := cctx.Registry.Find(c.Name); err != nil {
		return err
	}
	if err := writeUnit(c.Name, cctx.ConfigDir); err != nil {
		return err
	}
	fmt.Printf("installed and started tickbox-%s.service\n", c.Name)
	return nil
}

// UninstallCmd stops and removes the systemd user unit for an instance,
// without otherwise affecting the instance's registration.
type UninstallCmd struct {
	Name string `arg:"" help:"registered instance name"`
}

func (c *UninstallCmd) Run(cctx *Context) error {
	if err := removeUnit(c.Name); err != nil {
		return err
	}
	fmt.Printf("uninstalled tickbox-%s.service\n", c.Name)
	return nil
}
