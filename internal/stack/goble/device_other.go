//go:build !darwin

package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/internal/stack"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("go-ble binding is only built for macOS: %w", stack.ErrUnsupported)
}
