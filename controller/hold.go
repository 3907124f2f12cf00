package controller

import "context"

// Hold always commands zero velocity.
type Hold struct{}

// Execute returns a zero command.
func (Hold) Execute(ctx context.Context) (VelocityCommand, error) {
	if err := ctx.Err(); err != nil {
		return VelocityCommand{}, err
	}
	return VelocityCommand{}, nil
}
