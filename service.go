package arkclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Service keeps the wallets in sync with the server and settles their coins
// in batches before they expire.
type Service struct {
	cfg       types.Config
	store     types.Store
	transport client.TransportClient
	wallets   wallet.Provider

	vtxoSync         *VtxoSynchronizer
	intentGenerator  *IntentGenerator
	intentSync       *IntentSynchronizer
	batchCoordinator *BatchCoordinator
	spending         *SpendingService
	sweeper          *Sweeper

	lock   *sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewService(
	cfg types.Config, store types.Store, transport client.TransportClient,
	wallets wallet.Provider, opts ...ServiceOption,
) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("missing store")
	}
	if transport == nil {
		return nil, fmt.Errorf("missing transport client")
	}
	if wallets == nil {
		return nil, fmt.Errorf("missing wallet provider")
	}
	if cfg.SignerPubKey == nil {
		return nil, fmt.Errorf("missing server signer pubkey")
	}

	o := newDefaultServiceOptions()
	for _, opt := range opts {
		opt(o)
	}

	fees, err := NewFeeEstimator(cfg.Fees)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee programs: %w", err)
	}

	scheduler := o.scheduler
	if scheduler == nil {
		scheduler = NewSimpleScheduler(
			cfg, wallets, store.ContractStore(), fees, o.schedulerOpts...,
		)
	}

	locks := utils.NewKeyedMutex()
	spending := NewSpendingService(cfg, store, transport, wallets, locks)

	return &Service{
		cfg:       cfg,
		store:     store,
		transport: transport,
		wallets:   wallets,
		vtxoSync:  NewVtxoSynchronizer(transport, store, o.rpcTimeout),
		intentGenerator: NewIntentGenerator(
			store, wallets, scheduler, o.chainTime, fees, locks, o.intentGenerationInterval,
		),
		intentSync: NewIntentSynchronizer(
			transport, store.IntentStore(), locks, o.intentRescanInterval, o.rpcTimeout,
		),
		batchCoordinator: NewBatchCoordinator(
			cfg, store, transport, wallets, locks, o.batchRetryDelay, o.rpcTimeout,
		),
		spending: spending,
		sweeper: NewSweeper(
			store, wallets, spending, o.chainTime, o.sweepInterval, o.sweepPolicies...,
		),
		lock: &sync.Mutex{},
	}, nil
}

// Start runs the background loops until Stop is called or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancel != nil {
		return ErrServiceStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.vtxoSync.Run(ctx) })
	group.Go(func() error { return s.intentGenerator.Run(ctx) })
	group.Go(func() error { return s.intentSync.Run(ctx) })
	group.Go(func() error { return s.batchCoordinator.Run(ctx) })
	group.Go(func() error { return s.sweeper.Run(ctx) })

	s.cancel = cancel
	s.group = group

	log.Infof("service started, connected to %s", s.cfg.ServerUrl)
	return nil
}

// Stop cancels the background loops and waits for them to return.
func (s *Service) Stop() error {
	s.lock.Lock()
	cancel, group := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.lock.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := group.Wait()

	log.Info("service stopped")
	return err
}

func (s *Service) Config() types.Config {
	return s.cfg
}

func (s *Service) Store() types.Store {
	return s.store
}

// Spend sends the given outputs offchain, see SpendingService.Spend.
func (s *Service) Spend(
	ctx context.Context, walletId string, outputs []types.Output, inputs ...types.Outpoint,
) (string, error) {
	return s.spending.Spend(ctx, walletId, outputs, inputs...)
}

// SubscribeSweepEvents notifies the outcome of every sweep attempt.
func (s *Service) SubscribeSweepEvents() <-chan SweepEvent {
	return s.sweeper.SubscribeEvents()
}

func (s *Service) UnsubscribeSweepEvents(ch <-chan SweepEvent) {
	s.sweeper.UnsubscribeEvents(ch)
}

// GenerateIntents runs the scheduler right away instead of waiting for the
// next tick.
func (s *Service) GenerateIntents(ctx context.Context) ([]types.Intent, error) {
	intents, err := s.intentGenerator.GenerateIntents(ctx)
	if len(intents) > 0 {
		s.intentSync.Trigger()
	}
	return intents, err
}

func (s *Service) GenerateManualIntent(
	ctx context.Context, spec IntentSpec,
) (*types.Intent, error) {
	intent, err := s.intentGenerator.GenerateManualIntent(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.intentSync.Trigger()
	return intent, nil
}

// Balance returns the amount of the spendable vtxos of the wallet, and the
// part of it that can only be settled.
func (s *Service) Balance(ctx context.Context, walletId string) (total, recoverable uint64, err error) {
	coins, err := coinLoader{s.store.VtxoStore(), s.store.ContractStore()}.walletCoins(ctx, walletId)
	if err != nil {
		return 0, 0, err
	}
	for _, coin := range coins {
		total += coin.Amount
		if coin.IsRecoverable() {
			recoverable += coin.Amount
		}
	}
	return total, recoverable, nil
}
