package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("live")

// --------------------------------------------------------------------------
// Subscribers
// --------------------------------------------------------------------------

// subscriber is one live connection's hub-side state: its negotiated
// capabilities and the buffered channel the socket writer drains.
type subscriber struct {
	id   uint64
	user string
	caps CapabilitySet

	ch   chan ServerPacket
	once sync.Once
	done chan struct{}
}

// enqueue hands the packet to the connection's writer. A full queue kicks
// the connection instead of blocking the fan-out.
func (s *subscriber) enqueue(p ServerPacket) {
	select {
	case s.ch <- p:
	case <-s.done:
	default:
		log.Infof("dropping slow subscriber %d (user %q), queue full", s.id, s.user)
		s.kick()
	}
}

func (s *subscriber) kick() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Subscription is the connection-side handle of a hub registration. The
// socket writer drains C and stops when Done is closed; packets are
// complete values, a receiver sees full packets or none.
type Subscription struct {
	ID   uint64
	User string
	Caps CapabilitySet

	C    <-chan ServerPacket
	done <-chan struct{}
}

// Done is closed when the hub dropped the subscription: unsubscribed,
// kicked for falling behind, or hub shutdown.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// userEntry tracks one user's subscriber ids and their cooldown timer.
type userEntry struct {
	mu          sync.Mutex
	subs        map[uint64]struct{}
	cancelTimer context.CancelFunc
}

// --------------------------------------------------------------------------
// Hub
// --------------------------------------------------------------------------

// CooldownStep is one arrival of a user's cooldown schedule: at unix
// second At the user has Count pixels available.
type CooldownStep struct {
	At    uint64
	Count uint32
}

// Hub fans committed board mutations out to that board's subscribed
// connections. It keeps two independent maps, subscriber id to channel and
// user id to subscriber ids, so membership changes are single-map updates
// and neither connections nor boards hold references back into each other.
//
// Delivery is asynchronous and ordered per connection; there is no
// ordering across connections and no persistence for absent ones.
//
// Thread-safety: all methods are thread-safe.
type Hub struct {
	buffer int

	nextID atomic.Uint64
	closed atomic.Bool

	subs  *xsync.MapOf[uint64, *subscriber]
	users *xsync.MapOf[string, *userEntry]
}

// NewHub creates a hub whose per-connection queues hold buffer packets.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer: buffer,
		subs:   xsync.NewMapOf[uint64, *subscriber](),
		users:  xsync.NewMapOf[string, *userEntry](),
	}
}

// Subscribe admits a connection with its negotiated capabilities. user is
// empty for anonymous connections; they receive broadcasts but no
// per-user stream.
func (h *Hub) Subscribe(user string, caps CapabilitySet) *Subscription {
	sub := &subscriber{
		id:   h.nextID.Add(1),
		user: user,
		caps: caps,
		ch:   make(chan ServerPacket, h.buffer),
		done: make(chan struct{}),
	}

	if h.closed.Load() {
		sub.kick()
	} else {
		h.subs.Store(sub.id, sub)
		if user != "" {
			entry, _ := h.users.LoadOrCompute(user, func() *userEntry {
				return &userEntry{subs: make(map[uint64]struct{})}
			})
			entry.mu.Lock()
			entry.subs[sub.id] = struct{}{}
			entry.mu.Unlock()
		}
		if h.closed.Load() {
			// lost the race against Close, take it back out
			h.Unsubscribe(sub.id)
		}
	}

	return &Subscription{
		ID:   sub.id,
		User: sub.user,
		Caps: sub.caps,
		C:    sub.ch,
		done: sub.done,
	}
}

// Unsubscribe removes the connection from both maps and stops the user's
// cooldown timer if this was their last connection. Safe to call while a
// broadcast is in flight and more than once.
func (h *Hub) Unsubscribe(id uint64) {
	sub, ok := h.subs.LoadAndDelete(id)
	if !ok {
		return
	}
	sub.kick()

	if sub.user == "" {
		return
	}
	entry, ok := h.users.Load(sub.user)
	if !ok {
		return
	}

	entry.mu.Lock()
	delete(entry.subs, id)
	empty := len(entry.subs) == 0
	if empty && entry.cancelTimer != nil {
		entry.cancelTimer()
		entry.cancelTimer = nil
	}
	entry.mu.Unlock()

	if empty {
		// drop the entry unless someone subscribed again in the meantime
		h.users.Compute(sub.user, func(old *userEntry, loaded bool) (*userEntry, bool) {
			if !loaded || old != entry {
				return old, !loaded
			}
			old.mu.Lock()
			defer old.mu.Unlock()
			return old, len(old.subs) == 0
		})
	}
}

// Broadcast enqueues the packet on every subscribed connection. Each
// writer applies the capability filter for its own connection when
// serializing.
func (h *Hub) Broadcast(p ServerPacket) {
	h.subs.Range(func(_ uint64, sub *subscriber) bool {
		sub.enqueue(p)
		return true
	})
}

// SendToUser enqueues the packet on all of one user's connections.
func (h *Hub) SendToUser(user string, p ServerPacket) {
	entry, ok := h.users.Load(user)
	if !ok {
		return
	}

	entry.mu.Lock()
	ids := make([]uint64, 0, len(entry.subs))
	for id := range entry.subs {
		ids = append(ids, id)
	}
	entry.mu.Unlock()

	for _, id := range ids {
		if sub, ok := h.subs.Load(id); ok {
			sub.enqueue(p)
		}
	}
}

// SetUserCooldown pushes the user's current pixel budget and schedules a
// pixels-available packet for every future arrival. It replaces the
// user's previous schedule: rescheduling cancels the running timer.
func (h *Hub) SetUserCooldown(user string, available uint32, steps []CooldownStep) {
	entry, ok := h.users.Load(user)
	if !ok {
		return // no connection of this user is subscribed
	}

	var next *uint64
	if len(steps) > 0 {
		at := steps[0].At
		next = &at
	}
	h.SendToUser(user, NewPixelsAvailable(available, next))

	ctx, cancel := context.WithCancel(context.Background())
	entry.mu.Lock()
	if entry.cancelTimer != nil {
		entry.cancelTimer()
	}
	if len(entry.subs) == 0 || len(steps) == 0 {
		entry.cancelTimer = nil
		entry.mu.Unlock()
		cancel()
		return
	}
	entry.cancelTimer = cancel
	entry.mu.Unlock()

	go h.cooldownTimer(ctx, user, steps)
}

// cooldownTimer walks the user's arrival schedule, announcing each arrival
// with the count available from then on and the instant after it.
func (h *Hub) cooldownTimer(ctx context.Context, user string, steps []CooldownStep) {
	for i, step := range steps {
		if wait := time.Until(time.Unix(int64(step.At), 0)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		var next *uint64
		if i+1 < len(steps) {
			at := steps[i+1].At
			next = &at
		}
		h.SendToUser(user, NewPixelsAvailable(step.Count, next))
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	return h.subs.Size()
}

// Close kicks every subscriber and stops all cooldown timers. The hub
// accepts no new subscriptions afterwards.
func (h *Hub) Close() {
	h.closed.Store(true)

	h.users.Range(func(user string, entry *userEntry) bool {
		entry.mu.Lock()
		if entry.cancelTimer != nil {
			entry.cancelTimer()
			entry.cancelTimer = nil
		}
		entry.mu.Unlock()
		h.users.Delete(user)
		return true
	})

	h.subs.Range(func(id uint64, sub *subscriber) bool {
		sub.kick()
		h.subs.Delete(id)
		return true
	})
}
