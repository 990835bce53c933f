package cluster

import (
	"errors"
	"net"
	"net/url"

	"github.com/mellea-dev/playground/core"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// wrapIfUnavailable wraps err as a BackendUnavailableError when it represents
// a transient cluster API failure worth retrying. Non-transient errors are
// returned unchanged.
func wrapIfUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if isTransientClusterError(err) {
		return &core.BackendUnavailableError{Cause: err}
	}
	return err
}

// isTransientClusterError returns true if the error represents a transient
// cluster API failure that is likely to succeed on retry. This includes
// server-side errors (429, 500, 503, 504) and network-level errors.
func isTransientClusterError(err error) bool {
	if apierrors.IsServerTimeout(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsTimeout(err) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
