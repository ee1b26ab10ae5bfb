package hub

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/ericbjones/clean-invaders/domain"
)

// Publisher forwards payloads to other server instances.
type Publisher interface {
	Publish(ctx context.Context, senderID string, payload []byte) error
}

// NotifierConfig sizes the notifier worker pool.
type NotifierConfig struct {
	Workers        int
	Buffer         int
	HandoffTimeout time.Duration
	PublishTimeout time.Duration
}

func (c NotifierConfig) withDefaults() NotifierConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer < 0 {
		c.Buffer = 0
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Notifier turns persisted changes into broadcasts off the request path.
type Notifier struct {
	hub *Hub
	pub Publisher
	log *log.Logger
	cfg NotifierConfig

	mu     sync.RWMutex
	jobs   chan domain.Change
	closed bool
	wg     sync.WaitGroup
}

// NewNotifier starts the worker pool. pub may be nil.
func NewNotifier(h *Hub, pub Publisher, logger *log.Logger, cfg NotifierConfig) *Notifier {
	if h == nil {
		panic("hub.NewNotifier: hub is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg = cfg.withDefaults()
	n := &Notifier{
		hub:  h,
		pub:  pub,
		log:  logger,
		cfg:  cfg,
		jobs: make(chan domain.Change, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}
	n.log.Infof("change notifier started, workers: %d, buffer: %d, handoff: %v", cfg.Workers, cfg.Buffer, cfg.HandoffTimeout)
	return n
}

func (n *Notifier) worker(id int) {
	defer n.wg.Done()
	for ch := range n.jobs {
		n.deliver(ch, id)
	}
}

// Notify queues a change for delivery. If the pool stays saturated past the
// hand-off timeout the change is delivered on the caller's goroutine.
func (n *Notifier) Notify(change domain.Change) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	queued := n.tryQueue(change)
	n.mu.RUnlock()

	if !queued {
		n.deliver(change, -1)
	}
}

func (n *Notifier) tryQueue(change domain.Change) bool {
	select {
	case n.jobs <- change:
		return true
	default:
	}

	if n.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(n.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case n.jobs <- change:
		return true
	case <-timer.C:
		return false
	}
}

func (n *Notifier) deliver(change domain.Change, worker int) {
	payload, err := sonic.Marshal(change)
	if err != nil {
		n.log.WithError(err).WithField("type", change.Type).Error("encode change")
		return
	}
	delivered := n.hub.Broadcast(nil, payload)
	n.log.WithFields(log.Fields{
		"type":      change.Type,
		"delivered": delivered,
		"worker":    worker,
	}).Debug("change broadcast")

	if n.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.PublishTimeout)
	defer cancel()
	if err := n.pub.Publish(ctx, "", payload); err != nil {
		n.log.WithError(err).WithField("type", change.Type).Warn("relay publish failed")
	}
}

// Close stops accepting changes, drains the queue and waits for the workers.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.jobs)
	n.mu.Unlock()
	n.wg.Wait()
}
