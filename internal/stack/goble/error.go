package goble

import (
	"errors"
	"strings"

	"github.com/srg/gattlink/internal/stack"
)

// classify maps known go-ble error strings onto the stack error vocabulary.
// Matching is by text since go-ble does not export typed errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *stack.Error
	if errors.As(err, &serr) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "is bluetooth turned on"),
		strings.Contains(msg, "bluetooth is turned off"):
		return &stack.Error{Op: op, Err: errors.Join(ErrBluetoothOff, err)}
	case strings.Contains(msg, "device not connected"),
		strings.Contains(msg, "disconnected"),
		strings.Contains(msg, "connection is not initialized"):
		return &stack.Error{Op: op, Err: errors.Join(stack.ErrNotConnected, err)}
	case strings.Contains(msg, "unsupported"):
		return &stack.Error{Op: op, Err: errors.Join(stack.ErrUnsupported, err)}
	}
	return &stack.Error{Op: op, Err: err}
}
