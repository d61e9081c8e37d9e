// Package push relays queue events to connected clients.
//
// It subscribes to the in-process bus, forwards queue updates to every
// client subscriber (the SSE stream), and interleaves rate-limited stats
// snapshots so clients can refresh displayed positions without polling.
package push

import (
	"context"
	"sync"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"

	rtsup "dispatchd/internal/runtime/supervisor"

	"golang.org/x/time/rate"
)

const (
	defaultBuffer     = 64
	defaultRatePerSec = 20

	// MessageStats carries a storage.Stats snapshot.
	MessageStats = "queue.stats"
)

// Options controls the fan-out.
type Options struct {
	Buffer     int // per-subscriber channel buffer
	RatePerSec int // stats snapshot budget
}

func OptionsFromConfig(pc *config.PushConfig) Options {
	var o Options
	if pc != nil {
		o.Buffer = pc.Buffer
		o.RatePerSec = pc.RatePerSec
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = defaultRatePerSec
	}
	return o
}

// Message is what subscribers receive. Type mirrors the bus event type.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type Notifier struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	mu   sync.Mutex
	opts Options
	lim  *rate.Limiter

	subsMu sync.Mutex
	subs   map[uint64]chan Message
	seq    uint64

	lcMu  sync.Mutex
	sup   *rtsup.Supervisor
	unsub func()

	dropped uint64 // guarded by subsMu
}

func New(opts Options, store storage.Store, log logx.Logger, bus eventbus.Bus) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:   log,
		bus:   bus,
		store: store,
		opts:  opts,
		lim:   rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		subs:  map[uint64]chan Message{},
	}
}

// Apply swaps options. The limiter is rebuilt; existing subscribers keep
// their buffers.
func (n *Notifier) Apply(opts Options) {
	n.mu.Lock()
	n.opts = opts
	n.lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	n.mu.Unlock()
}

// Start begins relaying bus events. Idempotent.
func (n *Notifier) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	n.lcMu.Lock()
	defer n.lcMu.Unlock()
	if n.sup != nil {
		return
	}
	events, unsub := n.bus.Subscribe(256)
	n.unsub = unsub
	n.sup = rtsup.New(ctx,
		rtsup.WithLogger(n.log.With(logx.String("comp", "push"))),
		rtsup.WithCancelOnError(false),
	)
	n.sup.GoRestart("relay", func(ctx context.Context) error {
		n.relay(ctx, events)
		return nil
	}, rtsup.WithStopOnCleanExit(true))
}

func (n *Notifier) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	n.lcMu.Lock()
	sup := n.sup
	unsub := n.unsub
	n.sup = nil
	n.unsub = nil
	n.lcMu.Unlock()
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (n *Notifier) relay(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.deliver(Message{Type: ev.Type, Time: ev.Time, Data: ev.Data})

			// Queue mutations shift the positions of everything still
			// pending. Follow up with a stats snapshot, budgeted so a
			// burst of completions coalesces into few snapshots.
			if upd, ok := ev.Data.(dispatch.QueueUpdate); ok && upd.Status != storage.StatusPending {
				n.maybePushStats(ctx)
			}
		}
	}
}

func (n *Notifier) maybePushStats(ctx context.Context) {
	n.mu.Lock()
	lim := n.lim
	n.mu.Unlock()
	if !lim.Allow() {
		return
	}
	stats, err := n.store.QueueStats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			n.log.Warn("stats snapshot failed", logx.Err(err))
		}
		return
	}
	n.deliver(Message{Type: MessageStats, Time: time.Now(), Data: stats})
}

// Subscribe registers a client. The returned channel is closed by the
// unsubscribe func. Slow clients drop messages rather than block the relay.
func (n *Notifier) Subscribe() (<-chan Message, func()) {
	n.mu.Lock()
	buffer := n.opts.Buffer
	n.mu.Unlock()

	ch := make(chan Message, buffer)
	n.subsMu.Lock()
	n.seq++
	id := n.seq
	n.subs[id] = ch
	n.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.subsMu.Lock()
			delete(n.subs, id)
			n.subsMu.Unlock()
			close(ch)
		})
	}
}

func (n *Notifier) deliver(m Message) {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- m:
		default:
			n.dropped++
			if n.dropped%100 == 1 {
				n.log.Debug("push message dropped (slow client)",
					logx.Uint64("dropped_total", n.dropped))
			}
		}
	}
}
