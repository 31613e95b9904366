package bigquery

import (
	"context"
	"errors"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-elt/internal/failure"
	"google.golang.org/api/googleapi"
)

// classify maps BigQuery and API errors to failure kinds. Rejections of the
// request itself (invalid, invalidQuery, notFound) become fallback.
func classify(op string, err error, fallback failure.Kind) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var bqErr *bigquery.Error
	if errors.As(err, &bqErr) {
		return failure.Wrap(kindForReason(bqErr.Reason, fallback), op, err)
	}

	var multi bigquery.MultiError
	if errors.As(err, &multi) && len(multi) > 0 {
		var first *bigquery.Error
		if errors.As(multi[0], &first) {
			return failure.Wrap(kindForReason(first.Reason, fallback), op, err)
		}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			for _, item := range apiErr.Errors {
				if isTransientReason(item.Reason) {
					return failure.Wrap(failure.WarehouseUnavailable, op, err)
				}
			}
			return failure.Wrap(failure.PermissionDenied, op, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return failure.Wrap(failure.WarehouseUnavailable, op, err)
		}
		if len(apiErr.Errors) > 0 {
			return failure.Wrap(kindForReason(apiErr.Errors[0].Reason, fallback), op, err)
		}
		return failure.Wrap(fallback, op, err)
	}

	// Transport failures and deadlines never reached the engine.
	return failure.Wrap(failure.WarehouseUnavailable, op, err)
}

func kindForReason(reason string, fallback failure.Kind) failure.Kind {
	switch {
	case isTransientReason(reason):
		return failure.WarehouseUnavailable
	case reason == "accessDenied":
		return failure.PermissionDenied
	default:
		return fallback
	}
}

// https://cloud.google.com/bigquery/docs/error-messages
func isTransientReason(reason string) bool {
	switch reason {
	case "backendError", "internalError", "rateLimitExceeded", "jobBackendError", "jobInternalError", "tableUnavailable":
		return true
	default:
		return false
	}
}
