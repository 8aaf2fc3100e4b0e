// Package procstate holds the process-wide, read-only configuration a
// driver shares across every operation context it creates: logging,
// the require_all default, and the local KMS wrapper used to unwrap
// DEKs whose KEK descriptor selects the Local provider.
package procstate

import (
	"context"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"

	"github.com/fleecore/corectx/pkg/corelog"
)

// Handle is shared, read-only state every operation context references.
// A single Handle typically lives for the lifetime of a driver instance;
// contexts it creates never mutate it.
type Handle struct {
	Logger *corelog.Logger

	// RequireAllKeys is the default passed to a newly created broker's
	// require_all flag; spec.md §9 locks this to true but leaves context
	// construction free to override it per call.
	RequireAllKeys bool

	// LocalWrapper resolves the AEAD wrapper used for Local-provider KEKs.
	// Nil if the driver never uses local KEKs.
	LocalWrapper func(ctx context.Context) (wrapping.Wrapper, error)
}

// New builds a handle with the spec-mandated require_all default and the
// supplied logger. A nil logger is replaced with a no-op one so callers
// never need a nil check.
func New(logger *corelog.Logger, localWrapper func(ctx context.Context) (wrapping.Wrapper, error)) *Handle {
	if logger == nil {
		logger = corelog.Nop()
	}
	return &Handle{
		Logger:         logger,
		RequireAllKeys: true,
		LocalWrapper:   localWrapper,
	}
}
