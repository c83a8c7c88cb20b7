package ports

import "context"

// Gate decides whether a participant may queue or challenge at all.
type Gate interface {
	IsEligible(ctx context.Context, participantID string) bool
}

// AllowAll admits everyone.
type AllowAll struct{}

func (AllowAll) IsEligible(context.Context, string) bool { return true }

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, participantID string) bool

func (f GateFunc) IsEligible(ctx context.Context, participantID string) bool {
	return f(ctx, participantID)
}
