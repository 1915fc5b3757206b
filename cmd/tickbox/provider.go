package main

import (
	"context"
	"fmt"

	"github.com/tickbox/tickbox/internal/session"
)

// unlinkedProvider is the default session.Provider when no model-SDK
// adapter has been compiled in. The provider boundary (section 2.9) is
// deliberately out of scope for this module; a real deployment links its
// own adapter in place of this one (build tag or vendored replace) rather
// than tickbox shipping a specific vendor's SDK.
type unlinkedProvider struct{}

func (unlinkedProvider) Open(ctx context.Context, cfg session.Config) (session.Session, error) {
	return nil, fmt.Errorf("tickbox: no model session provider is linked into this build; see internal/session")
}
