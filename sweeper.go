package arkclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSweepInterval = 10 * time.Minute
	sweepEventBufferSize = 32
)

// SweepCandidate is an unspent vtxo locked by an active contract.
type SweepCandidate struct {
	WalletId string
	Contract contract.Contract
	Vtxo     types.Vtxo
}

// SweepPolicy decides which vtxos are swept back to their wallet. For a
// selected candidate it returns one coin per spending path to try, in order
// of preference. An empty result leaves the candidate alone.
type SweepPolicy interface {
	Sweep(
		ctx context.Context, w wallet.Wallet, candidate SweepCandidate, now types.ChainTime,
	) ([]types.Coin, error)
}

type SweepPolicyFunc func(
	ctx context.Context, w wallet.Wallet, candidate SweepCandidate, now types.ChainTime,
) ([]types.Coin, error)

func (f SweepPolicyFunc) Sweep(
	ctx context.Context, w wallet.Wallet, candidate SweepCandidate, now types.ChainTime,
) ([]types.Coin, error) {
	return f(ctx, w, candidate, now)
}

// VHTLCSweepPolicy claims the vhtlcs whose preimage is known when the wallet
// is the receiver, and refunds the expired ones when it is the sender.
func VHTLCSweepPolicy() SweepPolicy {
	return SweepPolicyFunc(sweepVHTLC)
}

// StrategySweepPolicy sweeps every vtxo of the given contract types, binding
// it with each leaf strategy in turn.
func StrategySweepPolicy(contractTypes []contract.Type, strategies ...LeafStrategy) SweepPolicy {
	if len(strategies) <= 0 {
		strategies = DefaultLeafStrategies()
	}
	return SweepPolicyFunc(func(
		ctx context.Context, w wallet.Wallet, candidate SweepCandidate, _ types.ChainTime,
	) ([]types.Coin, error) {
		if !slices.Contains(contractTypes, candidate.Contract.Type()) {
			return nil, nil
		}
		coins := make([]types.Coin, 0, len(strategies))
		for _, strategy := range strategies {
			coin, err := strategy.Bind(ctx, w, candidate.Contract, candidate.Vtxo)
			if err != nil {
				log.WithError(err).Debugf(
					"sweeper: strategy %s can't bind %s", strategy.Name, candidate.Vtxo.Outpoint,
				)
				continue
			}
			coins = append(coins, coin)
		}
		return coins, nil
	})
}

func sweepVHTLC(
	ctx context.Context, w wallet.Wallet, candidate SweepCandidate, now types.ChainTime,
) ([]types.Coin, error) {
	htlc, ok := candidate.Contract.(*contract.VHTLC)
	if !ok {
		return nil, nil
	}
	pubkey, err := w.GetPubKey(ctx)
	if err != nil {
		return nil, err
	}
	key := schnorr.SerializePubKey(pubkey)

	paths := make([]contract.SpendingPath, 0, 2)
	if htlc.Preimage != nil && bytes.Equal(schnorr.SerializePubKey(htlc.Receiver), key) {
		path, err := htlc.ClaimLeaf()
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	if refundable(htlc, now) && bytes.Equal(schnorr.SerializePubKey(htlc.Sender), key) {
		path, err := htlc.RefundWithoutReceiverLeaf()
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}

	coins := make([]types.Coin, 0, len(paths))
	for _, path := range paths {
		coin, err := contract.NewCoin(htlc, candidate.Vtxo, path)
		if err != nil {
			return nil, fmt.Errorf("leaf %s: %w", path.Name, err)
		}
		coins = append(coins, coin)
	}
	return coins, nil
}

// refundable tells whether the refund locktime of the vhtlc is reached. A
// locktime in blocks can't be evaluated without a known chain tip.
func refundable(htlc *contract.VHTLC, now types.ChainTime) bool {
	if htlc.RefundLocktime.IsSeconds() {
		return now.Timestamp.Unix() >= int64(htlc.RefundLocktime)
	}
	return now.Height > 0 && now.Height >= uint32(htlc.RefundLocktime)
}

// CoinSweeper spends a coin bound to one of its leaves back to its wallet.
type CoinSweeper interface {
	SweepCoin(ctx context.Context, walletId string, coin types.Coin) (string, error)
}

// SweepEvent is the outcome of the sweep of one vtxo. Txid is set on
// success, Err otherwise.
type SweepEvent struct {
	WalletId string
	Outpoint types.Outpoint
	Txid     string
	Err      error
}

// Sweeper moves the vtxos selected by its policies to new payment contracts
// of their wallets. It runs at every change of vtxos or contracts, and
// periodically.
type Sweeper struct {
	contractStore types.ContractStore
	vtxoStore     types.VtxoStore
	wallets       wallet.Provider
	spender       CoinSweeper
	chainTime     ChainTimeProvider
	policies      []SweepPolicy
	interval      time.Duration

	broadcaster *utils.Broadcaster[SweepEvent]
}

func NewSweeper(
	store types.Store, wallets wallet.Provider, spender CoinSweeper,
	chainTime ChainTimeProvider, interval time.Duration, policies ...SweepPolicy,
) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if len(policies) <= 0 {
		policies = []SweepPolicy{VHTLCSweepPolicy()}
	}
	return &Sweeper{
		contractStore: store.ContractStore(),
		vtxoStore:     store.VtxoStore(),
		wallets:       wallets,
		spender:       spender,
		chainTime:     chainTime,
		policies:      policies,
		interval:      interval,
		broadcaster:   utils.NewBroadcaster[SweepEvent](),
	}
}

// SubscribeEvents returns a channel notified after every sweep attempt.
// Slow subscribers are dropped.
func (s *Sweeper) SubscribeEvents() <-chan SweepEvent {
	return s.broadcaster.Subscribe(sweepEventBufferSize)
}

func (s *Sweeper) UnsubscribeEvents(ch <-chan SweepEvent) {
	s.broadcaster.Unsubscribe(ch)
}

func (s *Sweeper) Run(ctx context.Context) error {
	vtxoEvents := s.vtxoStore.SubscribeEvents()
	contractEvents := s.contractStore.SubscribeEvents()
	defer func() {
		if vtxoEvents != nil {
			s.vtxoStore.UnsubscribeEvents(vtxoEvents)
		}
		if contractEvents != nil {
			s.contractStore.UnsubscribeEvents(contractEvents)
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var resubscribe <-chan time.Time

	s.SweepAll(ctx)
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepAll(ctx)
		case event, ok := <-vtxoEvents:
			if !ok {
				vtxoEvents = nil
				resubscribe = time.After(resubscribeDelay)
				continue
			}
			if event.Type == types.VtxosSpent {
				continue
			}
			err = s.sweepVtxos(ctx, event.Vtxos)
		case event, ok := <-contractEvents:
			if !ok {
				contractEvents = nil
				resubscribe = time.After(resubscribeDelay)
				continue
			}
			err = s.sweepContracts(ctx, event.Contracts)
		case <-resubscribe:
			resubscribe = nil
			if vtxoEvents == nil {
				vtxoEvents = s.vtxoStore.SubscribeEvents()
			}
			if contractEvents == nil {
				contractEvents = s.contractStore.SubscribeEvents()
			}
			s.SweepAll(ctx)
		}
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("sweeper: failed to sweep")
		}
	}
}

// SweepAll applies the policies to the vtxos of every active contract.
func (s *Sweeper) SweepAll(ctx context.Context) {
	contracts, err := s.contractStore.GetActiveContracts(ctx)
	if err == nil {
		err = s.sweepContracts(ctx, contracts)
	}
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("sweeper: failed to sweep active contracts")
	}
}

func (s *Sweeper) sweepContracts(ctx context.Context, entities []types.ContractEntity) error {
	active := make([]types.ContractEntity, 0, len(entities))
	scripts := make([]string, 0, len(entities))
	for _, entity := range entities {
		if entity.Active {
			active = append(active, entity)
			scripts = append(scripts, entity.Script)
		}
	}
	if len(scripts) <= 0 {
		return nil
	}

	vtxos, err := s.vtxoStore.GetVtxosByScripts(ctx, scripts)
	if err != nil {
		return fmt.Errorf("failed to get vtxos: %w", err)
	}
	return s.sweep(ctx, active, vtxos)
}

func (s *Sweeper) sweepVtxos(ctx context.Context, updated []types.Vtxo) error {
	outpoints := make([]types.Outpoint, 0, len(updated))
	for _, vtxo := range updated {
		outpoints = append(outpoints, vtxo.Outpoint)
	}
	// The events may be outdated by a previous sweep.
	vtxos, err := s.vtxoStore.GetVtxos(ctx, outpoints)
	if err != nil {
		return fmt.Errorf("failed to get vtxos: %w", err)
	}

	scripts := make([]string, 0, len(vtxos))
	for _, vtxo := range vtxos {
		scripts = append(scripts, vtxo.Script)
	}
	slices.Sort(scripts)
	scripts = slices.Compact(scripts)
	if len(scripts) <= 0 {
		return nil
	}

	entities, err := s.contractStore.GetContracts(ctx, scripts)
	if err != nil {
		return fmt.Errorf("failed to get contracts: %w", err)
	}
	return s.sweep(ctx, entities, vtxos)
}

func (s *Sweeper) sweep(
	ctx context.Context, entities []types.ContractEntity, vtxos []types.Vtxo,
) error {
	contracts := make(map[string]types.ContractEntity, len(entities))
	for _, entity := range entities {
		if entity.Active {
			contracts[entity.Script] = entity
		}
	}

	now, err := s.now(ctx)
	if err != nil {
		return err
	}

	for _, vtxo := range vtxos {
		// Swept vtxos can only be settled in a batch.
		if vtxo.IsSpent() || vtxo.IsRecoverable() {
			continue
		}
		entity, ok := contracts[vtxo.Script]
		if !ok {
			continue
		}
		c, err := contract.FromEntity(entity)
		if err != nil {
			log.WithError(err).Debugf("sweeper: skipping contract %s", entity.Script)
			continue
		}
		w, err := s.wallets.GetWallet(ctx, entity.WalletId)
		if err != nil {
			log.WithError(err).Debugf("sweeper: skipping vtxo %s", vtxo.Outpoint)
			continue
		}

		candidate := SweepCandidate{WalletId: entity.WalletId, Contract: c, Vtxo: vtxo}
		coins := make([]types.Coin, 0)
		for _, policy := range s.policies {
			selected, err := policy.Sweep(ctx, w, candidate, now)
			if err != nil {
				log.WithError(err).Debugf("sweeper: policy failed for %s", vtxo.Outpoint)
				continue
			}
			coins = append(coins, selected...)
		}
		if len(coins) > 0 {
			s.sweepCoin(ctx, candidate, coins)
		}
	}
	return nil
}

// sweepCoin tries the spending paths of one vtxo in order until one of them
// succeeds. A vtxo locked by some pending intent is left alone.
func (s *Sweeper) sweepCoin(ctx context.Context, candidate SweepCandidate, paths []types.Coin) {
	event := SweepEvent{WalletId: candidate.WalletId, Outpoint: candidate.Vtxo.Outpoint}
	entry := log.WithField("wallet", candidate.WalletId)

	for i, coin := range paths {
		txid, err := s.spender.SweepCoin(ctx, candidate.WalletId, coin)
		if err == nil {
			entry.Infof("sweeper: swept %s in tx %s", coin.Outpoint, txid)
			event.Txid = txid
			break
		}
		if errors.Is(err, client.ErrAlreadyLocked) {
			entry.WithError(err).Warnf("sweeper: skipping locked vtxo %s", coin.Outpoint)
			event.Err = err
			break
		}
		if i < len(paths)-1 {
			entry.WithError(err).Debugf(
				"sweeper: path %d of %s failed, trying next one", i, coin.Outpoint,
			)
			continue
		}
		entry.WithError(err).Errorf("sweeper: every path of %s failed", coin.Outpoint)
		event.Err = err
	}

	s.broadcaster.Publish(event)
}

func (s *Sweeper) now(ctx context.Context) (types.ChainTime, error) {
	if s.chainTime == nil {
		return types.ChainTime{Timestamp: time.Now()}, nil
	}
	now, err := s.chainTime.GetChainTime(ctx)
	if err != nil {
		return types.ChainTime{}, fmt.Errorf("failed to get chain time: %w", err)
	}
	return now, nil
}
