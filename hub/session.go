package hub

import (
	"context"
	"sync"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/pkg/buffer"
)

const deliverBatch = 64

// sessionRunner owns one session's queue and delivery goroutine. A full
// queue drops that session's oldest packets; other sessions are unaffected.
type sessionRunner struct {
	hub     *Hub
	session Session
	queue   buffer.Buffer[*ais.Packet]

	done     chan struct{}
	stopOnce sync.Once
}

func newSessionRunner(h *Hub, s Session) *sessionRunner {
	r := &sessionRunner{hub: h, session: s, done: make(chan struct{})}
	r.queue = buffer.NewCircularBuffer[*ais.Packet](h.cfg.QueueSize,
		buffer.WithOverflowPolicy[*ais.Packet](buffer.DropOldest),
		buffer.WithDropCallback[*ais.Packet](func(*ais.Packet) {
			if h.metrics != nil {
				h.metrics.dropped.Inc()
			}
		}),
	)
	return r
}

func (r *sessionRunner) enqueue(p *ais.Packet) {
	// write only fails once the queue is closed by stop
	_ = r.queue.Write(p)
}

func (r *sessionRunner) run(ctx context.Context) {
	defer r.hub.wg.Done()
	log := r.hub.logger.With("session", r.session.ID())

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.queue.Ready():
		}

		for {
			batch := r.queue.ReadBatch(deliverBatch)
			if len(batch) == 0 {
				break
			}
			for _, p := range batch {
				if err := r.session.Deliver(ctx, p); err != nil {
					log.Info("Delivery failed, dropping session", "error", err)
					go r.hub.UnregisterSession(r.session.ID())
					return
				}
			}
		}
	}
}

func (r *sessionRunner) stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		_ = r.queue.Close()
		if err := r.session.Close(); err != nil {
			r.hub.logger.Debug("Session close failed", "session", r.session.ID(), "error", err)
		}
	})
}
