package testutil

import (
	"time"

	"github.com/skosovsky/conduit"
)

// NewTestRegistry returns a Registry with long timeout and panic recovery enabled,
// suitable for tests.
func NewTestRegistry(tools ...conduit.Tool) *conduit.Registry {
	reg := conduit.NewRegistry(
		conduit.WithDefaultTimeout(30*time.Second),
		conduit.WithRecoverPanics(true),
	)
	for _, t := range tools {
		reg.Register(t)
	}
	return reg
}
