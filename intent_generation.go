package arkclient

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// IntentGenerator periodically asks the scheduler which coins to settle and
// stores the resulting intents, ready to be submitted.
type IntentGenerator struct {
	intentStore types.IntentStore
	coins       coinLoader
	wallets     wallet.Provider
	scheduler   Scheduler
	chainTime   ChainTimeProvider
	fees        *FeeEstimator
	locks       *utils.KeyedMutex
	interval    time.Duration
}

func NewIntentGenerator(
	store types.Store, wallets wallet.Provider, scheduler Scheduler,
	chainTime ChainTimeProvider, fees *FeeEstimator, locks *utils.KeyedMutex,
	interval time.Duration,
) *IntentGenerator {
	if locks == nil {
		locks = utils.NewKeyedMutex()
	}
	if interval <= 0 {
		interval = defaultIntentGenerationInterval
	}
	return &IntentGenerator{
		intentStore: store.IntentStore(),
		coins:       coinLoader{store.VtxoStore(), store.ContractStore()},
		wallets:     wallets,
		scheduler:   scheduler,
		chainTime:   chainTime,
		fees:        fees,
		locks:       locks,
		interval:    interval,
	}
}

// Run generates intents right away and then at every interval until ctx is
// done.
func (g *IntentGenerator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		if _, err := g.GenerateIntents(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("intent generation: failed to generate intents")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// GenerateIntents runs the scheduler over the spendable coins of every
// wallet and stores the intents it asks for. Specs overlapping a pending
// intent are skipped, a spec not covering its fees is an error.
func (g *IntentGenerator) GenerateIntents(ctx context.Context) ([]types.Intent, error) {
	wallets, err := g.wallets.ListWallets(ctx)
	if err != nil {
		return nil, err
	}

	coinsByOutpoint := make(map[types.Outpoint]types.Coin)
	lites := make([]types.CoinLite, 0)
	for _, w := range wallets {
		coins, err := g.coins.walletCoins(ctx, w.Id())
		if err != nil {
			return nil, fmt.Errorf("failed to load coins of wallet %s: %w", w.Id(), err)
		}
		for _, coin := range coins {
			coinsByOutpoint[coin.Outpoint] = coin
		}
		lites = append(lites, toCoinLites(coins, w.Id())...)
	}
	if len(lites) <= 0 {
		return nil, nil
	}

	chainTime, err := g.getChainTime(ctx)
	if err != nil {
		return nil, err
	}
	specs, err := g.scheduler.GetIntentsToSubmit(ctx, lites, chainTime)
	if err != nil {
		return nil, err
	}

	intents := make([]types.Intent, 0, len(specs))
	for _, spec := range specs {
		intent, err := g.createIntent(ctx, spec, coinsByOutpoint)
		if err != nil {
			if errors.Is(err, ErrOverlappingIntent) {
				log.Debugf(
					"intent generation: skipping spec of wallet %s, inputs already committed",
					spec.WalletId,
				)
				continue
			}
			return intents, err
		}
		intents = append(intents, *intent)
	}
	return intents, nil
}

// GenerateManualIntent stores an intent for the given spec. Unlike the
// periodic generation, overlapping another pending intent is an error.
func (g *IntentGenerator) GenerateManualIntent(
	ctx context.Context, spec IntentSpec,
) (*types.Intent, error) {
	if spec.WalletId == "" {
		return nil, fmt.Errorf("missing wallet id")
	}
	if len(spec.Coins) <= 0 {
		return nil, fmt.Errorf("missing coins")
	}
	if len(spec.Outputs) <= 0 {
		return nil, fmt.Errorf("missing outputs")
	}

	coins, err := g.coins.walletCoins(ctx, spec.WalletId)
	if err != nil {
		return nil, err
	}
	coinsByOutpoint := make(map[types.Outpoint]types.Coin)
	for _, coin := range coins {
		coinsByOutpoint[coin.Outpoint] = coin
	}

	if spec.ValidFrom.IsZero() {
		spec.ValidFrom = time.Now()
	}
	if spec.ValidUntil.IsZero() {
		spec.ValidUntil = spec.ValidFrom.Add(defaultIntentValidity)
	}
	return g.createIntent(ctx, spec, coinsByOutpoint)
}

func (g *IntentGenerator) createIntent(
	ctx context.Context, spec IntentSpec, coinsByOutpoint map[types.Outpoint]types.Coin,
) (*types.Intent, error) {
	if !spec.ValidUntil.After(spec.ValidFrom) {
		return nil, fmt.Errorf("invalid intent validity window")
	}

	coins := make([]types.Coin, 0, len(spec.Coins))
	for _, lite := range spec.Coins {
		coin, ok := coinsByOutpoint[lite.Outpoint]
		if !ok {
			return nil, fmt.Errorf("coin %s is not spendable by wallet %s", lite.Outpoint, spec.WalletId)
		}
		coins = append(coins, coin)
	}
	// Fees are estimated on the stored coins, not on what the scheduler got.
	spec.Coins = toCoinLites(coins, spec.WalletId)

	fees, err := g.fees.EstimateFees(spec.Coins, spec.Outputs)
	if err != nil {
		return nil, err
	}
	inputAmount, outputAmount := spec.InputAmount(), spec.OutputAmount()
	if fees > inputAmount || outputAmount > inputAmount-fees {
		return nil, fmt.Errorf(
			"%w: inputs %d, outputs %d, fees %d", ErrSchedulerFees, inputAmount, outputAmount, fees,
		)
	}

	w, err := g.wallets.GetWallet(ctx, spec.WalletId)
	if err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(walletLockKey(spec.WalletId))
	defer unlock()

	now := time.Now()
	inputs := spec.Inputs()
	intents, err := g.intentStore.GetIntentsByInputs(ctx, spec.WalletId, inputs)
	if err != nil {
		return nil, err
	}
	for _, intent := range intents {
		if intent.IsPending() && !intent.IsExpired(now) {
			return nil, ErrOverlappingIntent
		}
	}

	pubkey, err := w.GetPubKey(ctx)
	if err != nil {
		return nil, err
	}
	cosigner := hex.EncodeToString(pubkey.SerializeCompressed())

	proofs, err := makeIntentProofs(
		ctx, w, coins, spec.Outputs, cosigner, spec.ValidFrom, spec.ValidUntil,
	)
	if err != nil {
		return nil, err
	}

	intent := types.Intent{
		Id:              uuid.New().String(),
		WalletId:        spec.WalletId,
		State:           types.IntentWaitingToSubmit,
		ValidFrom:       spec.ValidFrom,
		ValidUntil:      spec.ValidUntil,
		RegisterProof:   proofs.registerProof,
		RegisterMessage: proofs.registerMessage,
		DeleteProof:     proofs.deleteProof,
		DeleteMessage:   proofs.deleteMessage,
		Inputs:          inputs,
	}
	if err := g.intentStore.AddIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to save intent: %w", err)
	}

	log.WithField("intent", intent.Id).Infof(
		"intent generation: created intent for %d coin(s) of wallet %s",
		len(coins), spec.WalletId,
	)
	return &intent, nil
}

func (g *IntentGenerator) getChainTime(ctx context.Context) (types.ChainTime, error) {
	if g.chainTime == nil {
		return types.ChainTime{Timestamp: time.Now()}, nil
	}
	chainTime, err := g.chainTime.GetChainTime(ctx)
	if err != nil {
		return types.ChainTime{}, fmt.Errorf("failed to get chain time: %w", err)
	}
	return chainTime, nil
}

func walletLockKey(walletId string) string {
	return "wallet::" + walletId
}

func intentLockKey(id string) string {
	return "intent::" + id
}
