package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/tickbox/tickbox/internal/tickstore"
)

// ListCmd prints the registered instances, or, with Name and History, the
// recorded tick history for one instance (section 2.11).
type ListCmd struct {
	Name    string `arg:"" optional:"" help:"instance to show tick history for"`
	History bool   `help:"show recent tick history instead of the instance table"`
	Limit   int    `default:"20" help:"number of tick history rows to show"`
	JSON    bool   `help:"print as JSON instead of a table"`
}

func (c *ListCmd) Run(cctx *Context) error {
	if c.History {
		return c.runHistory(cctx)
	}

	instances, err := cctx.Registry.List()
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(instances)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDATA REPO\tSSH PORT\tCREATED")
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", inst.Name, inst.DataRepo, inst.SSHPort, inst.CreatedAt)
	}
	return w.Flush()
}

func (c *ListCmd) runHistory(cctx *Context) error {
	if c.Name == "" {
		return fmt.Errorf("list --history requires an instance name")
	}
	inst, err := cctx.Registry.Find(c.Name)
	if err != nil {
		return err
	}

	store, err := tickstore.Open(filepath.Join(inst.DataRepo, "system", "tickhistory.db"))
	if err != nil {
		return fmt.Errorf("opening tick history store: %w", err)
	}
	defer store.Close()

	records, err := store.List(c.Limit)
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TICK\tREASON\tSTATUS\tSTARTED\tENDED")
	for _, rec := range records {
		ended := ""
		if rec.EndedAt != nil {
			ended = rec.EndedAt.Format("15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", rec.TickID, rec.Reason, rec.Status, rec.StartedAt.Format("15:04:05"), ended)
	}
	return w.Flush()
}
