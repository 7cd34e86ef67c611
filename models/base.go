package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/recoveries_backend/metrics"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/mmdatafocus/recoveries_backend/models")

// txError classifies an error that aborted a transaction. Domain errors pass
// through; anything else is a transaction failure.
func txError(err error) error {
	if err == nil || utils.IsDomainError(err) || errors.Is(err, utils.ErrorTransactionFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", utils.ErrorTransactionFailed, err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, utils.ErrorRecordNotFound):
		return "not_found"
	case errors.Is(err, utils.ErrorUnauthorized):
		return "unauthorized"
	case errors.Is(err, utils.ErrorValidation):
		return "validation"
	case errors.Is(err, utils.ErrorConflict):
		return "conflict"
	case errors.Is(err, utils.ErrorTransactionFailed):
		return "transaction_failed"
	default:
		return "error"
	}
}

func observe(m *metrics.Metrics, operation string, start time.Time, err error) {
	m.ObserveOperation(operation, outcomeOf(err), time.Since(start))
}

// orEmpty keeps empty collections serialising as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
