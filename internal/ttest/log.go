// Package ttest holds helpers shared by timeguard tests.
package ttest

import (
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a *slog.Logger that writes through t.Log.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t, slogt.Text())
}
