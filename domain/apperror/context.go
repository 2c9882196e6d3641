package apperror

import "context"

var (
	errCanceled = context.Canceled
	errDeadline = context.DeadlineExceeded
)

// FromContext classifies a finished context.
func FromContext(ctx context.Context) *Error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return Wrap(err, KindTimeout, "deadline")
	}
	return Wrap(err, KindCancelled, "context_cancelled")
}
