//go:build !cgo

package capture

import (
	"log/slog"

	"github.com/loqalabs/loqa-record/internal/audio"
)

// newMalgoDevice returns ErrUnsupported when built without cgo.
func newMalgoDevice(_ audio.Format, _ int, _ *slog.Logger) (Device, error) {
	return nil, ErrUnsupported
}
