package arkclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	log "github.com/sirupsen/logrus"
)

type connState int

const (
	connFree connState = iota
	connReserved
)

// eventConn is one event stream opened for a set of topics. A connection
// is reserved while it carries at least one batch session. The stream id
// is announced by the server and lets the topics change in place.
type eventConn struct {
	id       uint64
	streamId string
	topics   []string
	state    connState
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	sessions map[string]*batchSession
}

// close must be called with the coordinator lock held.
func (c *eventConn) close() {
	c.closed = true
	c.cancel()
}

func (c *eventConn) isRunning() bool {
	if c.closed {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// BatchCoordinator listens to the batch events relevant to the registered
// intents and drives their participation up to the batch finalization.
type BatchCoordinator struct {
	cfg         types.Config
	transport   client.TransportClient
	intentStore types.IntentStore
	coins       coinLoader
	wallets     wallet.Provider
	locks       *utils.KeyedMutex
	retryDelay  time.Duration
	rpcTimeout  time.Duration

	lock   *sync.Mutex
	ctx    context.Context
	conns  map[uint64]*eventConn
	nextId uint64

	triggerCh chan struct{}
}

func NewBatchCoordinator(
	cfg types.Config, store types.Store, transport client.TransportClient,
	wallets wallet.Provider, locks *utils.KeyedMutex, retryDelay, rpcTimeout time.Duration,
) *BatchCoordinator {
	if locks == nil {
		locks = utils.NewKeyedMutex()
	}
	if retryDelay <= 0 {
		retryDelay = defaultBatchRetryDelay
	}
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	return &BatchCoordinator{
		cfg:         cfg,
		transport:   transport,
		intentStore: store.IntentStore(),
		coins:       coinLoader{store.VtxoStore(), store.ContractStore()},
		wallets:     wallets,
		locks:       locks,
		retryDelay:  retryDelay,
		rpcTimeout:  rpcTimeout,
		lock:        &sync.Mutex{},
		conns:       make(map[uint64]*eventConn),
		triggerCh:   make(chan struct{}, 1),
	}
}

// Trigger schedules a refresh of the event streams. It never blocks.
func (c *BatchCoordinator) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// Run keeps an event stream open on the topics of the active intents until
// ctx is done, then closes every stream.
func (c *BatchCoordinator) Run(ctx context.Context) error {
	c.lock.Lock()
	c.ctx = ctx
	c.lock.Unlock()
	defer c.shutdown()

	events := c.intentStore.SubscribeEvents()
	defer func() {
		if events != nil {
			c.intentStore.UnsubscribeEvents(events)
		}
	}()

	var resubscribe <-chan time.Time

	c.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				events = nil
				resubscribe = time.After(resubscribeDelay)
				continue
			}
			c.Trigger()
		case <-resubscribe:
			resubscribe = nil
			events = c.intentStore.SubscribeEvents()
			c.Trigger()
		case <-c.triggerCh:
			if err := c.refresh(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("batch coordinator: failed to refresh event streams")
			}
		}
	}
}

// refresh makes sure a free connection listens to the current topics. The
// topics of the newest free connection are updated in place when the server
// allows it, otherwise a new stream is opened. Free connections on outdated
// topics are closed, reserved ones are left alone until their sessions
// complete.
func (c *BatchCoordinator) refresh(ctx context.Context) error {
	intents, err := c.intentStore.GetActiveIntents(ctx)
	if err != nil {
		return err
	}
	topics := intentTopics(intents)

	if c.updateTopics(ctx, topics) {
		return nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.ctx == nil {
		return nil
	}

	newest, free := c.freeConns()
	if len(topics) > 0 && newest != nil &&
		slices.Equal(newest.topics, topics) && newest.isRunning() {
		return nil
	}

	for _, conn := range free {
		conn.close()
	}
	if len(topics) <= 0 {
		return nil
	}

	c.nextId++
	connCtx, cancel := context.WithCancel(c.ctx)
	conn := &eventConn{
		id:       c.nextId,
		topics:   topics,
		state:    connFree,
		cancel:   cancel,
		done:     make(chan struct{}),
		sessions: make(map[string]*batchSession),
	}
	c.conns[conn.id] = conn
	go c.runConn(connCtx, conn)

	log.Debugf("batch coordinator: listening to %d topic(s)", len(topics))
	return nil
}

// updateTopics moves the newest free connection to the given topics
// without reopening its stream, and closes the other free connections.
// It returns false if a new stream must be opened instead.
func (c *BatchCoordinator) updateTopics(ctx context.Context, topics []string) bool {
	if len(topics) <= 0 {
		return false
	}

	c.lock.Lock()
	newest, _ := c.freeConns()
	if c.ctx == nil || newest == nil || newest.streamId == "" ||
		!newest.isRunning() || slices.Equal(newest.topics, topics) {
		c.lock.Unlock()
		return false
	}
	streamId := newest.streamId
	added, removed := topicsDiff(newest.topics, topics)
	c.lock.Unlock()

	rpcCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	if err := c.transport.UpdateStreamTopics(rpcCtx, streamId, added, removed); err != nil {
		log.WithError(err).Warn(
			"batch coordinator: failed to update stream topics, opening a new stream",
		)
		return false
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	// The stream was reopened meanwhile, with the old topics.
	if newest.streamId != streamId || !newest.isRunning() {
		return false
	}
	newest.topics = topics
	_, free := c.freeConns()
	for _, conn := range free {
		if conn.id != newest.id {
			conn.close()
		}
	}

	log.Debugf(
		"batch coordinator: stream %s updated, %d topic(s) added, %d removed",
		streamId, len(added), len(removed),
	)
	return true
}

// freeConns must be called with the lock held.
func (c *BatchCoordinator) freeConns() (*eventConn, []*eventConn) {
	var newest *eventConn
	free := make([]*eventConn, 0)
	for _, conn := range c.conns {
		if conn.state != connFree || conn.closed {
			continue
		}
		free = append(free, conn)
		if newest == nil || conn.id > newest.id {
			newest = conn
		}
	}
	return newest, free
}

func (c *BatchCoordinator) runConn(ctx context.Context, conn *eventConn) {
	retry := true
	defer func() {
		c.failSessions(ctx, conn, "event stream closed")

		c.lock.Lock()
		delete(c.conns, conn.id)
		c.lock.Unlock()
		close(conn.done)
		// After a permanent failure the next stream is opened on the next
		// change of the intents.
		if retry {
			c.Trigger()
		}
	}()

	backoff := utils.NewStreamBackoff(c.retryDelay, maxStreamRetryDelay)
	for {
		err := c.listen(ctx, conn, backoff)
		if ctx.Err() != nil {
			return
		}

		// An ongoing batch can't be followed after missing events.
		c.failSessions(ctx, conn, fmt.Sprintf("event stream failed: %s", err))

		var delay time.Duration
		delay, retry = backoff.Next(err)
		if !retry {
			log.WithError(err).Error("batch coordinator: event stream failed permanently")
			return
		}
		log.WithError(err).Warnf("batch coordinator: event stream failed, retrying in %s", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *BatchCoordinator) listen(
	ctx context.Context, conn *eventConn, backoff *utils.StreamBackoff,
) error {
	c.lock.Lock()
	conn.streamId = ""
	topics := slices.Clone(conn.topics)
	c.lock.Unlock()

	events, closeFn, err := c.transport.GetEventStream(ctx, topics)
	if err != nil {
		return err
	}
	defer closeFn()

	for {
		select {
		case <-ctx.Done():
			return nil
		case notify, ok := <-events:
			if !ok {
				return fmt.Errorf("connection closed by server")
			}
			if notify.Err != nil {
				return notify.Err
			}
			backoff.Reset()

			if e, ok := notify.Event.(client.StreamStartedEvent); ok {
				c.lock.Lock()
				conn.streamId = e.Id
				c.lock.Unlock()
				continue
			}
			c.dispatch(ctx, conn, notify.Event)
		}
	}
}

// dispatch hands the event to the sessions of the connection, then looks
// for our intents in a newly started batch.
func (c *BatchCoordinator) dispatch(ctx context.Context, conn *eventConn, event any) {
	c.lock.Lock()
	sessions := make(map[string]*batchSession, len(conn.sessions))
	for id, session := range conn.sessions {
		sessions[id] = session
	}
	c.lock.Unlock()

	for id, session := range sessions {
		commitmentTxid, done, err := session.handle(ctx, event)
		if done {
			c.completeSession(ctx, conn, id, commitmentTxid, err)
		}
	}

	if e, ok := event.(client.BatchStartedEvent); ok {
		c.onBatchStarted(ctx, conn, e)
	}
}

func (c *BatchCoordinator) onBatchStarted(
	ctx context.Context, conn *eventConn, event client.BatchStartedEvent,
) {
	intents, err := c.intentStore.GetActiveIntents(ctx)
	if err != nil {
		log.WithError(err).Warn("batch coordinator: failed to get active intents")
		return
	}

	hashes := make(map[string]struct{}, len(event.HashedIntentIds))
	for _, h := range event.HashedIntentIds {
		hashes[h] = struct{}{}
	}

	c.lock.Lock()
	topics := make(map[string]struct{}, len(conn.topics))
	for _, topic := range conn.topics {
		topics[topic] = struct{}{}
	}
	c.lock.Unlock()

	for _, intent := range intents {
		if intent.State != types.IntentWaitingForBatch || intent.IntentId == "" {
			continue
		}
		if _, ok := hashes[hashIntentId(intent.IntentId)]; !ok {
			continue
		}
		// The batch events of this intent are not delivered on this
		// stream, the session couldn't be followed.
		if !coversInputs(topics, intent) {
			continue
		}
		if err := c.joinBatch(ctx, conn, intent.Id, event); err != nil {
			log.WithError(err).WithField("intent", intent.Id).Warnf(
				"batch coordinator: failed to join batch %s", event.Id,
			)
		}
	}
}

func (c *BatchCoordinator) joinBatch(
	ctx context.Context, conn *eventConn, id string, event client.BatchStartedEvent,
) error {
	unlock := c.locks.Lock(intentLockKey(id))
	defer unlock()

	intent, err := c.intentStore.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	// Already joined through another connection.
	if intent.State != types.IntentWaitingForBatch {
		return nil
	}

	coins, err := c.coins.intentCoins(ctx, *intent)
	if err != nil {
		return err
	}
	w, err := c.wallets.GetWallet(ctx, intent.WalletId)
	if err != nil {
		return err
	}
	signer, err := w.NewTreeSignerSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to create tree signer session: %w", err)
	}
	session, err := newBatchSession(
		*intent, event, c.cfg, c.transport, w, signer, coins, c.rpcTimeout,
	)
	if err != nil {
		return err
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	if err := c.transport.ConfirmRegistration(rpcCtx, intent.IntentId); err != nil {
		return fmt.Errorf("failed to confirm registration: %w", err)
	}

	c.reserve(conn, event.Id)

	intent.State = types.IntentBatchInProgress
	intent.BatchId = event.Id
	if err := c.intentStore.UpdateIntent(ctx, *intent); err != nil {
		c.release(conn)
		return fmt.Errorf("failed to update intent: %w", err)
	}
	session.intent = *intent

	c.lock.Lock()
	conn.sessions[intent.Id] = session
	c.lock.Unlock()

	log.WithField("intent", intent.Id).Infof("batch coordinator: joined batch %s", event.Id)
	return nil
}

// reserve marks the connection as carrying a session of the given batch.
// Reserved connections still following an older batch are closed, their
// sessions can't complete anymore.
func (c *BatchCoordinator) reserve(conn *eventConn, batchId string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	conn.state = connReserved
	for _, other := range c.conns {
		if other.id == conn.id || other.state != connReserved {
			continue
		}
		for _, session := range other.sessions {
			if session.batchId != batchId {
				log.Debugf("batch coordinator: closing stream of stale batch %s", session.batchId)
				other.close()
				break
			}
		}
	}
}

func (c *BatchCoordinator) release(conn *eventConn) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(conn.sessions) <= 0 {
		conn.state = connFree
	}
}

// completeSession persists the outcome of a session and frees its
// connection once no other session is left.
func (c *BatchCoordinator) completeSession(
	ctx context.Context, conn *eventConn, id, commitmentTxid string, sessionErr error,
) {
	c.lock.Lock()
	delete(conn.sessions, id)
	if len(conn.sessions) <= 0 {
		conn.state = connFree
	}
	c.lock.Unlock()
	defer c.Trigger()

	// The outcome must be stored even when shutting down.
	ctx = context.WithoutCancel(ctx)

	unlock := c.locks.Lock(intentLockKey(id))
	defer unlock()

	intent, err := c.intentStore.GetIntent(ctx, id)
	if err != nil {
		log.WithError(err).WithField("intent", id).Warn("batch coordinator: failed to get intent")
		return
	}
	if intent.State != types.IntentBatchInProgress {
		return
	}

	if sessionErr != nil {
		intent.State = types.IntentBatchFailed
		intent.CancellationReason = sessionErr.Error()
	} else {
		intent.State = types.IntentBatchSucceeded
		intent.CommitmentTxid = commitmentTxid
	}
	if err := c.intentStore.UpdateIntent(ctx, *intent); err != nil {
		log.WithError(err).WithField("intent", id).Warn("batch coordinator: failed to update intent")
		return
	}

	entry := log.WithField("intent", id)
	if sessionErr != nil {
		entry.WithError(sessionErr).Warnf("batch coordinator: batch %s failed", intent.BatchId)
		return
	}
	entry.Infof("batch coordinator: batch %s settled in %s", intent.BatchId, commitmentTxid)
}

func (c *BatchCoordinator) failSessions(ctx context.Context, conn *eventConn, reason string) {
	c.lock.Lock()
	ids := make([]string, 0, len(conn.sessions))
	for id := range conn.sessions {
		ids = append(ids, id)
	}
	c.lock.Unlock()

	for _, id := range ids {
		c.completeSession(ctx, conn, id, "", fmt.Errorf("batch failed: %s", reason))
	}
}

func (c *BatchCoordinator) shutdown() {
	c.lock.Lock()
	conns := make([]*eventConn, 0, len(c.conns))
	for _, conn := range c.conns {
		conn.close()
		conns = append(conns, conn)
	}
	c.ctx = nil
	c.lock.Unlock()

	for _, conn := range conns {
		<-conn.done
	}
}

// intentTopics returns the inputs and cosigner keys of the given intents,
// sorted and without duplicates.
func intentTopics(intents []types.Intent) []string {
	topics := make([]string, 0)
	for _, intent := range intents {
		for _, input := range intent.Inputs {
			topics = append(topics, input.String())
		}
		cosigners, err := intent.CosignerPublicKeys()
		if err != nil {
			log.WithError(err).WithField("intent", intent.Id).Debug(
				"batch coordinator: failed to parse register message",
			)
			continue
		}
		topics = append(topics, cosigners...)
	}
	slices.Sort(topics)
	return slices.Compact(topics)
}

func topicsDiff(current, next []string) (added, removed []string) {
	added = make([]string, 0)
	removed = make([]string, 0)
	for _, topic := range next {
		if !slices.Contains(current, topic) {
			added = append(added, topic)
		}
	}
	for _, topic := range current {
		if !slices.Contains(next, topic) {
			removed = append(removed, topic)
		}
	}
	return
}

func coversInputs(topics map[string]struct{}, intent types.Intent) bool {
	for _, input := range intent.Inputs {
		if _, ok := topics[input.String()]; !ok {
			return false
		}
	}
	return true
}

func hashIntentId(intentId string) string {
	h := sha256.Sum256([]byte(intentId))
	return hex.EncodeToString(h[:])
}
