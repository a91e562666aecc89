// Package logging constructs the process-wide zap.Logger.
package logging

import "go.uber.org/zap"

// New builds a production zap.Logger, or a human-readable development
// logger when dev is true (matches the "oasis" teacher convention of one
// configured logger threaded through every component constructor).
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
