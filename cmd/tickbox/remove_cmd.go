package main

import "fmt"

// RemoveCmd drops an instance from the operator's registry. It does not
// touch the instance's data repo; only the registry entry (and, if one
// exists, its systemd user unit) is removed.
type RemoveCmd struct {
	Name string `arg:"" help:"registered instance name"`
}

func (c *RemoveCmd) Run(cctx *Context) error {
	if _, err := cctx.Registry.Find(c.Name); err != nil {
		return err
	}
	if err := removeUnit(c.Name); err != nil {
		return err
	}
	if err := cctx.Registry.Remove(c.Name); err != nil {
		return err
	}
	fmt.Printf("removed instance %q\n", c.Name)
	return nil
}
