package supervisor

import "github.com/pkg/errors"

// ErrInvalidLevel is returned by ForceAction when asked to dispatch a level
// outside [SOFT, MAXIMUM].
var ErrInvalidLevel = errors.New("level must be between SOFT and MAXIMUM")
