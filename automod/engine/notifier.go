package engine

import (
	"context"
)

// Interface for a type that can handle sending notifications about enforcement
type Notifier interface {
	SendEnforcement(ctx context.Context, res *Result) error
}
