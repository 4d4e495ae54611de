package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// adapterJSON is the --json row layout
type adapterJSON struct {
	ID           string   `json:"id"`
	Address      string   `json:"address,omitempty"`
	Powered      bool     `json:"powered"`
	Capabilities []string `json:"capabilities"`
}

func newAdaptersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "List local Bluetooth adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := stackFactory(cfg, logger)
			if err != nil {
				return fmt.Errorf("open %s stack: %w", cfg.Stack, err)
			}
			defer func() { _ = st.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.StartTimeout)
			defer cancel()
			infos, err := st.ListAdapters(ctx)
			if err != nil {
				return err
			}

			rows := make([]adapterJSON, len(infos))
			for i, a := range infos {
				rows[i] = adapterJSON{ID: a.ID, Address: a.Address, Powered: a.Powered, Capabilities: make([]string, len(a.Capabilities))}
				for j, c := range a.Capabilities {
					rows[i].Capabilities[j] = string(c)
				}
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No adapters found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tADDRESS\tPOWERED\tCAPABILITIES")
			for _, a := range rows {
				addr := a.Address
				if addr == "" {
					addr = "-"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", a.ID, addr, a.Powered, strings.Join(a.Capabilities, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print adapters as JSON")
	return cmd
}
