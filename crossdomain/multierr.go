package crossdomain

import "github.com/hashicorp/go-multierror"

// appendErr accumulates best-effort cleanup failures (closing descriptors,
// shutting down futexes on context drop) the way a single returned error
// couldn't, matching virtcontainers/mount_linux.go's use of
// hashicorp/go-multierror for the same "keep going, report everything"
// cleanup shape.
func appendErr(existing error, next error) error {
	if next == nil {
		return existing
	}
	return multierror.Append(existing, next)
}
