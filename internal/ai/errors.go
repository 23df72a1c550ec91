package ai

import (
	"context"
	"fmt"
)

// HTTPError is returned when a provider answers with a non-2xx status.
// Body is truncated and meant for logs only.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

// StreamError is an error object sent by the provider inside the stream.
type StreamError struct {
	Provider string
	Message  string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: stream error: %s", e.Provider, e.Message)
}

// transportErr reports the context's error when the context is done. A body
// read cut by a deadline otherwise surfaces as a generic transport error.
func transportErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
