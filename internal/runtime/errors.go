package runtime

import (
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

// ErrNotFound indicates the requested container or image does not exist.
var ErrNotFound = errors.New("runtime: resource not found")

// ErrUnavailable indicates the container engine cannot be reached. Callers
// decide whether to retry; the adapter never retries internally.
var ErrUnavailable = errors.New("runtime: engine unavailable")

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classify maps Docker SDK errors onto the adapter's sentinel errors while
// preserving the underlying cause.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
