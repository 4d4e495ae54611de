package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/config"
)

// Peer addresses used across the test suites
const (
	PeerAddr   = "AA:BB:CC:DD:EE:01"
	PeerAddr2  = "AA:BB:CC:DD:EE:02"
	AdapterID  = "hci0"
	PeerName   = "gattlink-peer"
	PeerName2  = "gattlink-peer-2"
	ShortDelay = 50 * time.Millisecond
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// FastConfig returns defaults with timings short enough for unit tests
func FastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.StartTimeout = time.Second
	cfg.DiscoveryTimeout = 100 * time.Millisecond
	cfg.DiscoveryRetries = 3
	cfg.ConnectTimeout = time.Second
	cfg.RetryDelay = ShortDelay
	cfg.SendTimeout = 3 * time.Second
	cfg.RecoverySettle = ShortDelay
	cfg.MaxFragmentSize = 20
	return cfg
}

// Peer returns a discoverable device advertising the default service
func Peer(addr, name string) stack.Device {
	return stack.Device{
		Address:  addr,
		Name:     name,
		RSSI:     -60,
		Services: []string{config.DefaultServiceUUID},
	}
}

// TempPath returns a file path inside a per-test temporary directory
func (h *TestHelper) TempPath(name string) string {
	return filepath.Join(h.T.TempDir(), name)
}

// WriteFile writes content to a temporary file and returns its path
func (h *TestHelper) WriteFile(name, content string) string {
	path := h.TempPath(name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.T.Fatalf("write %s: %v", path, err)
	}
	return path
}

// LoadFixture reads a file relative to the module root
func LoadFixture(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	// Navigate up to find the project root (look for go.mod file)
	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	fullPath := filepath.Join(projectRoot, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}
	return string(data), nil
}
