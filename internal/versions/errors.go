package versions

import (
	pkgerrors "verdict/pkg/errors"
	"verdict/pkg/metrics"
)

func contentionError(cause error, operation string) error {
	metrics.ContentionErrorsTotal.WithLabelValues(operation).Inc()
	if cause == nil {
		return pkgerrors.ErrContention.WithDetail("operation", operation)
	}
	return pkgerrors.ErrContention.WithCause(cause).WithDetail("operation", operation)
}
