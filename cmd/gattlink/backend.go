package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/internal/stack/bluez"
	"github.com/srg/gattlink/internal/stack/goble"
	"github.com/srg/gattlink/internal/stack/tinygo"
	"github.com/srg/gattlink/internal/store"
	"github.com/srg/gattlink/pkg/config"
)

// stackFactory opens the configured binding (can be overridden in tests)
var stackFactory = openStack

func openStack(cfg *config.Config, logger *logrus.Logger) (stack.Stack, error) {
	switch cfg.Stack {
	case config.StackBlueZ:
		s, err := bluez.Open(bluez.Options{
			ServiceUUID:      cfg.ServiceUUID,
			RequestCharUUID:  cfg.RequestCharUUID,
			ResponseCharUUID: cfg.ResponseCharUUID,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StackGoBLE:
		return goble.New(goble.Options{
			ServiceUUID:      cfg.ServiceUUID,
			RequestCharUUID:  cfg.RequestCharUUID,
			ResponseCharUUID: cfg.ResponseCharUUID,
		}, logger), nil
	case config.StackTinyGo:
		s, err := tinygo.Open(tinygo.Options{
			LocalName:        cfg.LocalName,
			ServiceUUID:      cfg.ServiceUUID,
			RequestCharUUID:  cfg.RequestCharUUID,
			ResponseCharUUID: cfg.ResponseCharUUID,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown stack %q", cfg.Stack)
}

// openStore returns the persisted auto-connect set, or an in-memory one when no
// store path is configured
func openStore(cfg *config.Config) store.Store {
	if path := cfg.ResolveStorePath(); path != "" {
		return store.NewFileStore(path)
	}
	return store.NewMemoryStore()
}
