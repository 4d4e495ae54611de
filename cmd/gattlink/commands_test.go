package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/srg/gattlink/pkg/blerr"
	"github.com/srg/gattlink/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func (s *CommandsTestSuite) TestPeersAddListRemove() {
	out, err := s.ExecuteCommand("peers", "list")
	s.Require().NoError(err)
	testutils.AssertText(s.T(), out, "No auto-connect peers")

	out, err = s.ExecuteCommand("peers", "add", "aa:bb:cc:dd:ee:02", testutils.PeerAddr, testutils.PeerAddr)
	s.Require().NoError(err)
	testutils.AssertText(s.T(), out, fmt.Sprintf("2 auto-connect peer(s) in %s", s.StorePath))

	out, err = s.ExecuteCommand("peers", "list")
	s.Require().NoError(err)
	testutils.AssertText(s.T(), out, `
AA:BB:CC:DD:EE:01
AA:BB:CC:DD:EE:02
`)

	testutils.AssertText(s.T(), s.ReadStore(), `
version: 1
auto_connect:
    - AA:BB:CC:DD:EE:01
    - AA:BB:CC:DD:EE:02
`)

	_, err = s.ExecuteCommand("peers", "rm", "AA-BB-CC-DD-EE-01")
	s.Require().NoError(err)
	out, err = s.ExecuteCommand("peers", "list")
	s.Require().NoError(err)
	testutils.AssertText(s.T(), out, "AA:BB:CC:DD:EE:02")
}

func (s *CommandsTestSuite) TestPeersRequireStorePath() {
	s.ConfigPath = s.WriteConfig(map[string]string{"store_path": `""`})

	_, err := s.ExecuteCommand("peers", "list")
	s.Require().ErrorIs(err, ErrNoStorePath)
	s.Contains(FormatUserError(err), "set store_path")
}

func (s *CommandsTestSuite) TestAdaptersTable() {
	s.Stack.WithAdapter("hci1", false)

	out, err := s.ExecuteCommand("adapters")
	s.Require().NoError(err)
	testutils.AssertText(s.T(), out, `
ID    ADDRESS            POWERED  CAPABILITIES
hci0  00:00:00:00:00:00  true     le,central,peripheral
hci1  00:00:00:00:00:01  false    le,central,peripheral
`)
}

func (s *CommandsTestSuite) TestAdaptersJSON() {
	out, err := s.ExecuteCommand("adapters", "--json")
	s.Require().NoError(err)
	testutils.AssertJSON(s.T(), out, `[
		{"id": "hci0", "address": "<<PRESENCE>>", "powered": true, "capabilities": ["le", "central", "peripheral"]}
	]`)
}

func (s *CommandsTestSuite) TestAdaptersListFailure() {
	s.Stack.FailList(stack.ErrNoAdapter)
	_, err := s.ExecuteCommand("adapters")
	s.ErrorIs(err, stack.ErrNoAdapter)
}

func (s *CommandsTestSuite) TestStackOpenFailure() {
	stackFactory = func(*config.Config, *logrus.Logger) (stack.Stack, error) {
		return nil, stack.ErrUnsupported
	}
	_, err := s.ExecuteCommand("adapters")
	s.Require().ErrorIs(err, stack.ErrUnsupported)
	s.Contains(err.Error(), "open bluez stack")
}

func (s *CommandsTestSuite) TestInvalidLogLevel() {
	_, err := s.ExecuteCommand("--log-level", "loud", "adapters")
	s.ErrorContains(err, "invalid log level")
}

func (s *CommandsTestSuite) TestServeExchangesMessages() {
	s.ConfigPath = s.WriteConfig(map[string]string{
		"store_path":        s.StorePath,
		"retry_delay":       "50ms",
		"discovery_timeout": "100ms",
		"max_fragment_size": "20",
	})

	stdin, feed := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- s.execute(ctx, stdin, out, "serve") }()

	_, err := fmt.Fprintf(feed, "%s hello peer\n", testutils.PeerAddr)
	s.Require().NoError(err)

	resp := stack.Handle{Peer: testutils.PeerAddr, UUID: stack.NormalizeUUID(config.DefaultResponseCharUUID)}
	s.Require().Eventually(func() bool {
		msgs, err := s.Stack.Messages(resp)
		return err == nil && len(msgs) == 1 && string(msgs[0]) == "hello peer"
	}, 3*time.Second, 10*time.Millisecond, "stdin line MUST be sent to the peer")

	req := stack.Handle{Peer: testutils.PeerAddr, UUID: stack.NormalizeUUID(config.DefaultRequestCharUUID)}
	s.Require().NoError(s.Stack.Deliver(req, []byte("pong"), 20))
	s.Require().Eventually(func() bool {
		o := out.String()
		return strings.Contains(o, "[AA:BB:CC:DD:EE:01] pong") &&
			strings.Contains(o, "[AA:BB:CC:DD:EE:01] state connected")
	}, 3*time.Second, 10*time.Millisecond, "inbound message MUST be printed")

	_, err = fmt.Fprintln(feed, "/bogus")
	s.Require().NoError(err)
	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "! unknown command /bogus")
	}, 3*time.Second, 10*time.Millisecond)

	_, err = fmt.Fprintf(feed, "/auto %s on\n", testutils.PeerAddr)
	s.Require().NoError(err)
	s.Require().Eventually(func() bool {
		return strings.Contains(s.ReadStoreOrEmpty(), testutils.PeerAddr)
	}, 3*time.Second, 10*time.Millisecond, "auto-connect MUST be persisted")

	cancel()
	_ = feed.Close()
	select {
	case err := <-done:
		s.NoError(err, "interrupt is a clean exit")
	case <-time.After(5 * time.Second):
		s.FailNow("serve did not exit")
	}
	s.GreaterOrEqual(s.Stack.Calls("connect"), 1)
}

func (s *CommandsTestSuite) TestServeStartFailure() {
	s.Stack.FailList(errors.New("bus unavailable"))
	_, err := s.ExecuteCommand("serve")
	s.ErrorContains(err, "bus unavailable")
}

// ReadStoreOrEmpty returns the store file or "" before the first write
func (s *CommandsTestSuite) ReadStoreOrEmpty() string {
	data, err := os.ReadFile(s.StorePath)
	if err != nil {
		return ""
	}
	return string(data)
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

func TestFormatUserError(t *testing.T) {
	assert.Equal(t, "", FormatUserError(nil))
	assert.Contains(t, FormatUserError(blerr.New(blerr.KindNoSuitableAdapter, "send", nil)), "Bluetooth turned on")
	assert.Contains(t, FormatUserError(blerr.New(blerr.KindDeviceNotFound, "send", errors.New("x"))), "in range")
	assert.Contains(t, FormatUserError(fmt.Errorf("open: %w", stack.ErrUnsupported)), "another stack")
	assert.Equal(t, "plain", FormatUserError(errors.New("plain")))
}

func TestRenderPayload(t *testing.T) {
	assert.Equal(t, "hello world", renderPayload([]byte("hello world")))
	assert.Equal(t, "0x00ff10", renderPayload([]byte{0x00, 0xff, 0x10}))
	assert.Equal(t, "0x07", renderPayload([]byte{0x07}))
}

func TestExecLineValidation(t *testing.T) {
	assert.NoError(t, execLine(context.Background(), nil, "   "))
	assert.ErrorContains(t, execLine(context.Background(), nil, "/auto AA:BB:CC:DD:EE:01 maybe"), "usage")
	assert.ErrorContains(t, execLine(context.Background(), nil, "/nope"), "unknown command")
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
}
