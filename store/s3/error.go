package s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/opsforge/certgw/store"
)

// classifyError converts S3 errors into store errors, wrapping retryable
// failures in *store.TransientError so callers can retry throttles and
// timeouts without retrying permission problems.
func classifyError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %q: %w", op, path, err)
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		if op == "delete" {
			// Withdrawing an object that is already gone is success.
			return nil
		}
		return fmt.Errorf("%s %q: %w", op, path, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "InternalError":
			return &store.TransientError{Op: op, Path: path, Err: err}
		case "NoSuchKey":
			if op == "delete" {
				return nil
			}
		}
		return fmt.Errorf("%s %q failed (code: %s): %w", op, path, apiErr.ErrorCode(), err)
	}

	return fmt.Errorf("%s %q: %w", op, path, err)
}
