package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/blerr"
)

// ErrNoStorePath is returned by peer set commands when no store is configured
var ErrNoStorePath = errors.New("store_path is not configured")

// FormatUserError renders err with a hint for the common failure kinds
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNoStorePath):
		return fmt.Sprintf("%v (set store_path in the config file)", err)
	case errors.Is(err, stack.ErrUnsupported):
		return fmt.Sprintf("%v (try another stack in the config file)", err)
	}

	switch blerr.KindOf(err) {
	case blerr.KindNoSuitableAdapter:
		return fmt.Sprintf("%v (is Bluetooth turned on?)", err)
	case blerr.KindDeviceNotFound:
		return fmt.Sprintf("%v (is the peer advertising and in range?)", err)
	case blerr.KindTimeout:
		return fmt.Sprintf("%v (the peer did not answer in time)", err)
	}
	return err.Error()
}
