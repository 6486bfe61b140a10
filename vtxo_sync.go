package arkclient

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	pollQueueSize       = 5
	minStreamRetryDelay = time.Second
)

// streamGeneration is the subscription for one set of scripts.
type streamGeneration struct {
	scripts []string
	cancel  context.CancelFunc
	done    chan struct{}
}

func (g *streamGeneration) isRunning() bool {
	select {
	case <-g.done:
		return false
	default:
		return true
	}
}

// VtxoSynchronizer keeps the vtxo store in sync with the server for the
// scripts of the active contracts and of the unspent vtxos.
type VtxoSynchronizer struct {
	transport     client.TransportClient
	vtxoStore     types.VtxoStore
	contractStore types.ContractStore
	rpcTimeout    time.Duration

	lock    *sync.Mutex
	ctx     context.Context
	current *streamGeneration
	// Used by one generation at a time.
	backoff *utils.StreamBackoff

	pollCh    chan []string
	restartCh chan struct{}
}

func NewVtxoSynchronizer(
	transport client.TransportClient, store types.Store, rpcTimeout time.Duration,
) *VtxoSynchronizer {
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	return &VtxoSynchronizer{
		transport:     transport,
		vtxoStore:     store.VtxoStore(),
		contractStore: store.ContractStore(),
		rpcTimeout:    rpcTimeout,
		lock:          &sync.Mutex{},
		backoff:       utils.NewStreamBackoff(minStreamRetryDelay, maxStreamRetryDelay),
		pollCh:        make(chan []string, pollQueueSize),
		restartCh:     make(chan struct{}, 1),
	}
}

// Run follows the scripts view until ctx is done. The view is recomputed
// whenever contracts or vtxos change, or the live stream fails.
func (s *VtxoSynchronizer) Run(ctx context.Context) error {
	s.lock.Lock()
	s.ctx = ctx
	s.lock.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.pollWorker(ctx)
		return nil
	})
	g.Go(func() error {
		s.listen(ctx)
		return nil
	})

	err := g.Wait()

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.current != nil {
		s.current.cancel()
		<-s.current.done
		s.current = nil
	}
	s.ctx = nil
	return err
}

// UpdateScriptsView recomputes the scripts of interest and, if they changed
// or the live stream is not running, replaces the stream subscription and
// polls the whole set. An empty view closes the live stream.
func (s *VtxoSynchronizer) UpdateScriptsView(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.ctx == nil {
		return fmt.Errorf("vtxo synchronizer not running")
	}

	scripts, err := s.scriptsView(ctx)
	if err != nil {
		return err
	}

	if s.current != nil {
		if len(scripts) > 0 && slices.Equal(s.current.scripts, scripts) &&
			s.current.isRunning() {
			return nil
		}
		// Generations never overlap.
		s.current.cancel()
		<-s.current.done
		s.current = nil
	}
	if len(scripts) <= 0 {
		log.Debug("vtxo sync: no script to follow")
		return nil
	}

	genCtx, cancel := context.WithCancel(s.ctx)
	gen := &streamGeneration{
		scripts: scripts,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.current = gen

	go func() {
		restart := false
		defer func() {
			close(gen.done)
			if restart {
				s.requestRestart()
			}
		}()

		err := s.stream(genCtx, gen.scripts)
		if err == nil || genCtx.Err() != nil {
			return
		}

		delay, retry := s.backoff.Next(err)
		if !retry {
			// Reopened on the next change of contracts or vtxos.
			log.WithError(err).Error("vtxo sync: live stream failed permanently")
			return
		}
		log.WithError(err).Warnf("vtxo sync: live stream failed, restarting in %s", delay)
		select {
		case <-genCtx.Done():
		case <-time.After(delay):
			restart = true
		}
	}()

	log.Debugf("vtxo sync: following %d script(s)", len(scripts))
	s.enqueuePoll(s.ctx, scripts)
	return nil
}

func (s *VtxoSynchronizer) scriptsView(ctx context.Context) ([]string, error) {
	contracts, err := s.contractStore.GetActiveContracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get active contracts: %w", err)
	}
	vtxos, err := s.vtxoStore.GetSpendableVtxos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get unspent vtxos: %w", err)
	}

	scripts := make([]string, 0, len(contracts)+len(vtxos))
	for _, c := range contracts {
		scripts = append(scripts, c.Script)
	}
	for _, vtxo := range vtxos {
		scripts = append(scripts, vtxo.Script)
	}
	slices.Sort(scripts)
	return slices.Compact(scripts), nil
}

func (s *VtxoSynchronizer) stream(ctx context.Context, scripts []string) error {
	notifications, closeFn, err := s.transport.GetVtxoToPollAsStream(ctx, scripts)
	if err != nil {
		return err
	}
	defer closeFn()

	for {
		select {
		case <-ctx.Done():
			return nil
		case notification, ok := <-notifications:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("stream closed by server")
			}
			if notification.Err != nil {
				return notification.Err
			}
			s.backoff.Reset()
			if len(notification.Scripts) > 0 {
				s.enqueuePoll(ctx, notification.Scripts)
			}
		}
	}
}

func (s *VtxoSynchronizer) listen(ctx context.Context) {
	contractEvents := s.contractStore.SubscribeEvents()
	vtxoEvents := s.vtxoStore.SubscribeEvents()
	defer func() {
		if contractEvents != nil {
			s.contractStore.UnsubscribeEvents(contractEvents)
		}
		if vtxoEvents != nil {
			s.vtxoStore.UnsubscribeEvents(vtxoEvents)
		}
	}()

	var resubscribe <-chan time.Time

	s.requestRestart()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-contractEvents:
			if !ok {
				contractEvents = nil
				resubscribe = time.After(resubscribeDelay)
				continue
			}
		case _, ok := <-vtxoEvents:
			if !ok {
				vtxoEvents = nil
				resubscribe = time.After(resubscribeDelay)
				continue
			}
		case <-resubscribe:
			resubscribe = nil
			if contractEvents == nil {
				contractEvents = s.contractStore.SubscribeEvents()
			}
			if vtxoEvents == nil {
				vtxoEvents = s.vtxoStore.SubscribeEvents()
			}
		case <-s.restartCh:
		}

		if err := s.UpdateScriptsView(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("vtxo sync: failed to update scripts view")
		}
	}
}

func (s *VtxoSynchronizer) pollWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case scripts := <-s.pollCh:
			if err := s.poll(ctx, scripts); err != nil && ctx.Err() == nil {
				log.WithError(err).Warnf("vtxo sync: failed to poll %d script(s)", len(scripts))
			}
		}
	}
}

func (s *VtxoSynchronizer) poll(ctx context.Context, scripts []string) error {
	rpcCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()

	vtxos, err := s.transport.GetVtxosByScripts(rpcCtx, scripts)
	if err != nil {
		return err
	}
	if len(vtxos) <= 0 {
		return nil
	}

	count, err := s.vtxoStore.UpsertVtxos(ctx, vtxos)
	if err != nil {
		return fmt.Errorf("failed to store vtxos: %w", err)
	}
	if count > 0 {
		log.Debugf("vtxo sync: updated %d vtxo(s)", count)
	}
	return nil
}

// enqueuePoll blocks while the queue is full.
func (s *VtxoSynchronizer) enqueuePoll(ctx context.Context, scripts []string) {
	select {
	case s.pollCh <- slices.Clone(scripts):
	case <-ctx.Done():
	}
}

func (s *VtxoSynchronizer) requestRestart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}
