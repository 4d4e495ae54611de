package transport

import (
	"context"

	"github.com/srg/gattlink/internal/endpoint"
	"github.com/srg/gattlink/pkg/blerr"
)

type sendJob struct {
	ctx   context.Context
	data  []byte
	reply chan<- error
}

// outbox serializes sends to one peer so messages leave in submission order.
type outbox struct {
	addr   string
	ep     *endpoint.Endpoint
	jobs   chan sendJob
	cancel context.CancelFunc
}

// openOutbox starts the sender for a connected session. Called on the loop.
func (t *Transport) openOutbox(addr string, ep *endpoint.Endpoint) *outbox {
	if o, ok := t.loop.outboxes[addr]; ok {
		return o
	}
	ctx, cancel := context.WithCancel(t.loop.ctx)
	o := &outbox{
		addr:   addr,
		ep:     ep,
		jobs:   make(chan sendJob, t.cfg.RequestQueueSize),
		cancel: cancel,
	}
	t.loop.outboxes[addr] = o
	t.spawn("gattlink-sender-"+addr, func(context.Context) {
		o.work(ctx)
	})
	return o
}

// closeOutbox stops the sender; queued sends fail with NotReady. Called on the loop.
func (t *Transport) closeOutbox(addr string) {
	if o, ok := t.loop.outboxes[addr]; ok {
		delete(t.loop.outboxes, addr)
		o.cancel()
	}
}

func (o *outbox) push(j sendJob) bool {
	select {
	case o.jobs <- j:
		return true
	default:
		return false
	}
}

func (o *outbox) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.drain()
			return
		case j := <-o.jobs:
			if err := j.ctx.Err(); err != nil {
				j.reply <- blerr.New(blerr.KindTimeout, "send", err).WithAddr(o.addr)
				continue
			}
			j.reply <- o.ep.Send(j.ctx, j.data)
		}
	}
}

func (o *outbox) drain() {
	for {
		select {
		case j := <-o.jobs:
			j.reply <- blerr.Newf(blerr.KindNotReady, "send", "session closed").WithAddr(o.addr)
		default:
			return
		}
	}
}
