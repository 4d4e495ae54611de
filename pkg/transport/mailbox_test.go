package transport

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestMailbox_DeliversInOrder(t *testing.T) {
	m := newMailbox(context.Background(), quietLogger())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 500; i++ {
		i := i
		m.put(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		})
	}
	m.close()

	require.Len(t, got, 500, "close MUST drain what was queued")
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMailbox_SurvivesPanickingCallback(t *testing.T) {
	m := newMailbox(context.Background(), quietLogger())

	delivered := make(chan struct{})
	m.put(func() { panic("boom") })
	m.put(func() { close(delivered) })
	m.close()

	select {
	case <-delivered:
	default:
		t.Fatal("callback after a panic was not delivered")
	}
}

func TestMailbox_PutAfterCloseIsDropped(t *testing.T) {
	m := newMailbox(context.Background(), quietLogger())
	m.close()

	called := false
	m.put(func() { called = true })
	m.close()
	assert.False(t, called)
}
