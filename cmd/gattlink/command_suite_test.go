package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/srg/gattlink/pkg/config"
	"github.com/stretchr/testify/suite"
)

// syncBuffer is a bytes.Buffer safe for the printer and the test to share
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a FakeStack and a per-test config file
type CommandTestSuite struct {
	suite.Suite

	Helper     *testutils.TestHelper
	Stack      *testutils.FakeStack
	ConfigPath string
	StorePath  string

	origFactory func(*config.Config, *logrus.Logger) (stack.Stack, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Stack = testutils.NewFakeStack().
		WithAdapter(testutils.AdapterID, true).
		WithDevice(testutils.Peer(testutils.PeerAddr, testutils.PeerName))

	s.origFactory = stackFactory
	stackFactory = func(*config.Config, *logrus.Logger) (stack.Stack, error) {
		return s.Stack, nil
	}

	s.StorePath = s.Helper.TempPath("peers.yaml")
	s.ConfigPath = s.WriteConfig(map[string]string{"store_path": s.StorePath})
}

func (s *CommandTestSuite) TearDownTest() {
	stackFactory = s.origFactory
}

// WriteConfig writes the shipped example config with overrides applied and returns its path
func (s *CommandTestSuite) WriteConfig(overrides map[string]string) string {
	example, err := testutils.LoadFixture(filepath.Join("examples", "gattlink.yaml"))
	s.Require().NoError(err, "example config MUST be readable")

	var lines []string
	for _, line := range strings.Split(example, "\n") {
		key, _, _ := strings.Cut(line, ":")
		if _, overridden := overrides[key]; overridden {
			continue
		}
		lines = append(lines, line)
	}
	for k, v := range overrides {
		lines = append(lines, k+": "+v)
	}
	return s.Helper.WriteFile("gattlink.yaml", strings.Join(lines, "\n")+"\n")
}

// ExecuteCommand runs the root command with args and returns combined output
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), nil, args...)
}

// ExecuteCommandContext runs the root command with ctx and stdin
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	out := &syncBuffer{}
	err := s.execute(ctx, stdin, out, args...)
	return out.String(), err
}

func (s *CommandTestSuite) execute(ctx context.Context, stdin io.Reader, out io.Writer, args ...string) error {
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(io.Discard)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	root.SetIn(stdin)
	root.SetArgs(append([]string{"--config", s.ConfigPath}, args...))
	return root.ExecuteContext(ctx)
}

// ReadStore returns the raw persisted store file
func (s *CommandTestSuite) ReadStore() string {
	data, err := os.ReadFile(s.StorePath)
	s.Require().NoError(err)
	return string(data)
}
