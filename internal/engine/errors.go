package engine

import "errors"

// Activation failure modes. The HTTP layer maps these onto response codes;
// everything else falls through as internal.
var (
	ErrUnsupportedFormat   = errors.New("model format is not servable by the local engine")
	ErrNotLocal            = errors.New("model belongs to an external provider")
	ErrModelNotFoundOnDisk = errors.New("model weights not found on disk")
	ErrEngineStuck         = errors.New("engine stopped making progress during startup")
	ErrStartupTimeout      = errors.New("engine did not become ready before the startup cap")
	ErrSubprocessExited    = errors.New("engine subprocess exited during startup")
)
