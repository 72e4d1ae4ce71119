package permissions

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/warden/pkg/storage"
)

var (
	// ErrPermissionDenied matches every *PermissionDeniedError
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidLevel is returned for levels outside None..Full
	ErrInvalidLevel = errors.New("invalid permission level")

	// ErrUnrestricted is returned by Engine.Permissions for system admins, who
	// hold Full on every resource and have no finite resource map
	ErrUnrestricted = errors.New("principal has unrestricted access")

	// ErrStoreUnavailable is returned when permissions could not be computed.
	// It is retryable and never means "denied".
	ErrStoreUnavailable = storage.ErrStoreUnavailable
)

// PermissionDeniedError reports the level a principal holds against the one required
type PermissionDeniedError struct {
	Resource string
	Required Level
	Actual   Level
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied on %s: requires %s, has %s", e.Resource, e.Required, e.Actual)
}

// Is lets errors.Is match ErrPermissionDenied
func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// IsRetryable reports whether a failed resolution may be retried
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
