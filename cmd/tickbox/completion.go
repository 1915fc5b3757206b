package main

import (
	"github.com/alecthomas/kong"
	kongcompletion "github.com/jotaen/kong-completion"
)

// registerCompletion wires up `tickbox completion <shell>`, backed by
// posener/complete, so operators can tab-complete instance names and
// flags the same way kong-completion's own docs describe.
func registerCompletion(parser *kong.Kong) {
	kongcompletion.Register(parser)
}
