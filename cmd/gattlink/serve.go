package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/pkg/transport"
	"golang.org/x/sys/unix"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transport and exchange messages from the terminal",
		Long: `Run the transport until interrupted. Inbound messages are printed as they arrive.

Each line read from stdin is one command:

  <address> <text>          send text to one peer, connecting on demand
  * <text>                  send text to every ready peer
  /disconnect <address>     close the session with a peer
  /auto <address> on|off    flag or unflag a peer for auto-connect`,
		Example: `  gattlink serve --config gattlink.yaml
  echo "AA:BB:CC:DD:EE:01 hello" | gattlink serve --auto-connect AA:BB:CC:DD:EE:01`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringSlice("auto-connect", nil, "Peers to flag for auto-connect at startup")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	st, err := stackFactory(cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s stack: %w", cfg.Stack, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithField("error", err).Warn("Failed to close stack")
		}
	}()

	t, err := transport.New(st, openStore(cfg), cfg, logger)
	if err != nil {
		return err
	}
	out := newPrinter(cmd.OutOrStdout())
	t.OnMessage(out.Message)
	t.OnPeerStateChanged(out.PeerState)
	t.OnAdapterStateChanged(out.Adapter)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := t.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = t.Stop() }()

	autoConnect, _ := cmd.Flags().GetStringSlice("auto-connect")
	for _, addr := range autoConnect {
		if err := t.SetAutoConnect(addr, true); err != nil {
			return err
		}
	}

	lines := make(chan string)
	in := cmd.InOrStdin()
	groutine.Go(ctx, "serve-stdin", func(ctx context.Context) {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 4096), cfg.MaxMessageSize+64)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep serving until interrupted
				lines = nil
				continue
			}
			if err := execLine(ctx, t, line); err != nil {
				out.Error(err)
			}
		}
	}
}

// execLine runs one stdin command against the transport
func execLine(ctx context.Context, t *transport.Transport, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	head, rest, _ := strings.Cut(line, " ")

	switch head {
	case "/disconnect":
		return t.Disconnect(ctx, strings.TrimSpace(rest))
	case "/auto":
		addr, mode, _ := strings.Cut(strings.TrimSpace(rest), " ")
		switch strings.TrimSpace(mode) {
		case "on":
			return t.SetAutoConnect(addr, true)
		case "off":
			return t.SetAutoConnect(addr, false)
		}
		return fmt.Errorf("usage: /auto <address> on|off")
	case "*":
		return t.SendToAll(ctx, []byte(rest))
	}
	if strings.HasPrefix(head, "/") {
		return fmt.Errorf("unknown command %s", head)
	}
	return t.SendTo(ctx, head, []byte(rest))
}
