package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/internal/store"
	"github.com/srg/gattlink/pkg/config"
)

func newPeersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage the persisted auto-connect peer set",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List peers flagged for auto-connect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := peerStore(cmd)
			if err != nil {
				return err
			}
			addrs, err := s.Load()
			if err != nil {
				return err
			}
			if len(addrs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No auto-connect peers")
				return nil
			}
			for _, a := range addrs {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), a)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <address>...",
		Short: "Flag peers for auto-connect",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editPeers(cmd, args, true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "remove <address>...",
		Aliases: []string{"rm"},
		Short:   "Unflag peers",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editPeers(cmd, args, false)
		},
	})
	return cmd
}

func peerStore(cmd *cobra.Command) (*store.FileStore, error) {
	cfg, _, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	return fileStore(cfg)
}

func fileStore(cfg *config.Config) (*store.FileStore, error) {
	path := cfg.ResolveStorePath()
	if path == "" {
		return nil, ErrNoStorePath
	}
	return store.NewFileStore(path), nil
}

func editPeers(cmd *cobra.Command, args []string, add bool) error {
	s, err := peerStore(cmd)
	if err != nil {
		return err
	}
	current, err := s.Load()
	if err != nil {
		return err
	}

	set := make(map[string]bool, len(current))
	for _, a := range current {
		set[a] = true
	}
	for _, a := range args {
		addr := stack.NormalizeAddress(a)
		if addr == "" {
			return fmt.Errorf("empty address")
		}
		if add {
			set[addr] = true
		} else {
			delete(set, addr)
		}
	}

	next := make([]string, 0, len(set))
	for a := range set {
		next = append(next, a)
	}
	if err := s.Replace(store.Normalize(next)); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d auto-connect peer(s) in %s\n", len(set), s.Path())
	return nil
}
