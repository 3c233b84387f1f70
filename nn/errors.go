package nn

import "github.com/pkg/errors"

// Configuration errors are returned from config parsing and layer setup.
// Shape errors are returned from Reshape, Forward and Backward before any
// buffer is written. Both indicate a caller defect and are never retried.
var (
	ErrMissingSetting = errors.New("required setting missing")
	ErrInvalidSetting = errors.New("invalid setting")
	ErrArity          = errors.New("wrong number of input/output batches")
	ErrShape          = errors.New("shape mismatch")
	ErrSequenceLength = errors.New("sequence length error")
	ErrNotSetup       = errors.New("layer used before Setup")
)
