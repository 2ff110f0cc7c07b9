package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gerbilphysics/awards/internal/award"
	"github.com/gorilla/websocket"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans engine state out to websocket clients: coalesced fact
// deltas, periodic full snapshots, and one-shot events (unlocks, session
// starts, best times, sink health alerts).
type Broadcaster struct {
	mu           sync.RWMutex
	clients      map[*client]bool
	sessionID    string
	unlockSource func() map[string]time.Time

	engine     *award.Engine
	throttle   time.Duration
	maxClients int

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	pendingFacts map[award.MetricID]FactPayload
	flushTimer   *time.Timer
	flushMu      sync.Mutex
}

func NewBroadcaster(engine *award.Engine, throttle, snapshotInterval time.Duration, maxClients int) *Broadcaster {
	b := &Broadcaster{
		clients:    make(map[*client]bool),
		engine:     engine,
		throttle:   throttle,
		maxClients: maxClients,
		stop:       make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// SetUnlockSource sets the function used to annotate snapshots with durable
// unlock times. Must be called before clients connect.
func (b *Broadcaster) SetUnlockSource(fn func() map[string]time.Time) {
	b.mu.Lock()
	b.unlockSource = fn
	b.mu.Unlock()
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()

	data, err := json.Marshal(b.snapshotMessage())
	if err != nil {
		log.Printf("snapshot marshal error: %v", err)
		return c, nil
	}
	select {
	case c.send <- data:
	default:
		// Client too slow, drop the snapshot
	}

	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Stop halts the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)
	})

	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// SessionStarted records the new session ID and pushes a fresh snapshot so
// clients see the wiped per-session facts immediately.
func (b *Broadcaster) SessionStarted(id, label string) {
	b.mu.Lock()
	b.sessionID = id
	b.mu.Unlock()

	b.broadcast(WSMessage{
		Type: MsgSessionStarted,
		Payload: SessionStartedPayload{
			SessionID: id,
			Label:     label,
			StartedAt: time.Now().UTC(),
		},
	})
	b.broadcast(b.snapshotMessage())
}

// QueueFactChange coalesces metric updates: rapid-fire mutations within the
// throttle window collapse to one delta carrying the latest value per metric.
func (b *Broadcaster) QueueFactChange(m award.Mutation) {
	kind, _, ok := award.MetricInfo(m.Metric)
	if !ok {
		return
	}

	fact := FactPayload{Metric: m.Metric, Kind: kind.String()}
	switch kind {
	case award.KindCounter:
		fact.Count = b.engine.Count(m.Metric)
	case award.KindTimer:
		fact.Seconds = b.engine.Seconds(m.Metric)
	case award.KindLabel:
		fact.Label = b.engine.Label(m.Metric)
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if b.pendingFacts == nil {
		b.pendingFacts = make(map[award.MetricID]FactPayload)
	}
	b.pendingFacts[m.Metric] = fact

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// AwardUnlocked announces a first-ever unlock. It is called with the engine
// lock held, so it must not call engine methods.
func (b *Broadcaster) AwardUnlocked(key, sessionID string, at time.Time) {
	a, ok := award.Lookup(key)
	if !ok {
		log.Printf("unlock announced for unknown award %q", key)
		return
	}
	b.broadcast(WSMessage{
		Type: MsgAwardUnlocked,
		Payload: AwardUnlockedPayload{
			Key:         a.Key,
			Name:        a.Name,
			Description: a.Description,
			Tier:        string(a.Tier),
			Category:    string(a.Category),
			SessionID:   sessionID,
			UnlockedAt:  at,
		},
	})
}

// HealthAlert announces a health transition for a named component (the
// achievement sink, a spool source). The sink variant is called with the
// engine lock held, so it must not call engine methods.
func (b *Broadcaster) HealthAlert(component string, status award.HealthStatus, consecutiveFailures int, lastErr string) {
	b.broadcast(WSMessage{
		Type: MsgHealthAlert,
		Payload: HealthAlertPayload{
			Component:           component,
			Status:              string(status),
			ConsecutiveFailures: consecutiveFailures,
			LastError:           lastErr,
		},
	})
}

// BestTime announces a new fastest completion for a level.
func (b *Broadcaster) BestTime(level string, seconds float64, sessionID string, at time.Time) {
	b.broadcast(WSMessage{
		Type: MsgBestTime,
		Payload: BestTimePayload{
			Level:     level,
			Seconds:   seconds,
			SessionID: sessionID,
			SetAt:     at,
		},
	})
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	pending := b.pendingFacts
	b.pendingFacts = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(pending) == 0 {
		return
	}

	facts := make([]FactPayload, 0, len(pending))
	for _, f := range pending {
		facts = append(facts, f)
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].Metric < facts[j].Metric })

	b.broadcast(WSMessage{
		Type:    MsgDelta,
		Payload: DeltaPayload{Facts: facts},
	})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshotMessage())
		}
	}
}

func (b *Broadcaster) snapshotMessage() WSMessage {
	b.mu.RLock()
	sessionID := b.sessionID
	unlockSource := b.unlockSource
	b.mu.RUnlock()

	var unlocks map[string]time.Time
	if unlockSource != nil {
		unlocks = unlockSource()
	}

	return WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			SessionID: sessionID,
			Facts:     b.engine.Snapshot(),
			Awards:    AwardStatuses(b.engine, unlocks),
		},
	}
}

// AwardStatuses merges the catalog with the engine's per-session fired table
// and the ledger's durable unlock times, in catalog order.
func AwardStatuses(engine *award.Engine, unlocks map[string]time.Time) []AwardStatus {
	fired := engine.Fired()
	awards := engine.Awards()

	statuses := make([]AwardStatus, 0, len(awards))
	for _, a := range awards {
		st := AwardStatus{
			Key:         a.Key,
			Name:        a.Name,
			Description: a.Description,
			Tier:        string(a.Tier),
			Category:    string(a.Category),
		}
		if at, ok := fired[a.Key]; ok {
			t := at
			st.Fired = true
			st.FiredAt = &t
		}
		if at, ok := unlocks[a.Key]; ok {
			t := at
			st.Unlocked = true
			st.UnlockedAt = &t
		}
		statuses = append(statuses, st)
	}
	return statuses
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Printf("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
