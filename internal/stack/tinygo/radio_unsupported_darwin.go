//go:build darwin

package tinygo

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/stack"
)

// Open is unavailable on macOS; use the go-ble binding there
func Open(Options, *logrus.Logger) (*Stack, error) {
	return nil, fmt.Errorf("%w: %w", errNoPeripheral, stack.ErrUnsupported)
}
