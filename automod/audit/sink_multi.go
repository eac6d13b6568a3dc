package audit

import (
	"context"
	"errors"
)

// Fans each outcome out to every sink. All sinks are attempted; errors are joined.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, o Outcome) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
