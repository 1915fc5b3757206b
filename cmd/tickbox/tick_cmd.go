package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tickbox/tickbox/internal/tick"
)

// errTickAbnormal wraps a tick that completed but ended abnormal (section
// 4.3 step 5); the CLI maps it to exit code 4.
var errTickAbnormal = errors.New("tick ended abnormal")

// TickCmd fires a single tick for a registered instance, synchronously.
type TickCmd struct {
	Name   string `arg:"" help:"registered instance name"`
	Reason string `default:"manual" help:"reason recorded for this tick"`
	JSON   bool   `help:"print the tick result as JSON on stdout"`
}

func (c *TickCmd) Run(cctx *Context) error {
	inst, err := cctx.Registry.Find(c.Name)
	if err != nil {
		return err
	}

	engine, closeEngine, err := buildEngine(context.Background(), inst)
	if err != nil {
		return err
	}
	defer closeEngine()

	result, err := engine.Run(context.Background(), c.Reason)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("tick %d: %s\n", result.TickNumber, result.Status)
	}

	if result.Status == tick.StatusAbnormal {
		return fmt.Errorf("%w: %s", errTickAbnormal, result.Reason)
	}
	return nil
}
