package groutine

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestGo_NamesGoroutine(t *testing.T) {
	got := make(chan string, 1)
	//nolint:staticcheck // nil parent is part of the contract
	Go(nil, "worker-1", func(ctx context.Context) {
		got <- GetName(ctx)
	})
	assert.Equal(t, "worker-1", <-got)
	assert.Equal(t, "", GetName(context.Background()))
}

func TestEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	done := make(chan struct{})
	Go(context.Background(), "event-loop", func(ctx context.Context) {
		Entry(ctx, logger).Info("tick")
		close(done)
	})
	<-done
	assert.Contains(t, buf.String(), "goroutine=event-loop")

	buf.Reset()
	Entry(context.Background(), logger).Info("plain")
	assert.NotContains(t, buf.String(), "goroutine=")
}
