package arkclient

import (
	"context"
	"fmt"
	"time"

	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	log "github.com/sirupsen/logrus"
)

const (
	defaultExpiryThreshold       = 24 * time.Hour
	defaultExpiryThresholdHeight = 144
	defaultIntentValidity        = time.Hour
)

// ChainTimeProvider returns the current wall clock time and chain tip height.
type ChainTimeProvider interface {
	GetChainTime(ctx context.Context) (types.ChainTime, error)
}

// IntentSpec is the description of an intent a scheduler wants to submit.
type IntentSpec struct {
	WalletId   string
	Coins      []types.CoinLite
	Outputs    []types.Output
	ValidFrom  time.Time
	ValidUntil time.Time
}

func (s IntentSpec) Inputs() []types.Outpoint {
	inputs := make([]types.Outpoint, 0, len(s.Coins))
	for _, coin := range s.Coins {
		inputs = append(inputs, coin.Outpoint)
	}
	return inputs
}

func (s IntentSpec) InputAmount() uint64 {
	amount := uint64(0)
	for _, coin := range s.Coins {
		amount += coin.Amount
	}
	return amount
}

func (s IntentSpec) OutputAmount() uint64 {
	amount := uint64(0)
	for _, output := range s.Outputs {
		amount += output.Amount
	}
	return amount
}

// Scheduler decides which of the spendable coins should be settled.
type Scheduler interface {
	GetIntentsToSubmit(
		ctx context.Context, coins []types.CoinLite, chainTime types.ChainTime,
	) ([]IntentSpec, error)
}

// SimpleScheduler renews the coins that are recoverable or close to expiry
// by sending them, in one intent per wallet, to a fresh payment contract.
type SimpleScheduler struct {
	cfg             types.Config
	wallets         wallet.Provider
	contractStore   types.ContractStore
	fees            *FeeEstimator
	threshold       time.Duration
	thresholdHeight uint32
	validity        time.Duration
}

func NewSimpleScheduler(
	cfg types.Config, wallets wallet.Provider, contractStore types.ContractStore,
	fees *FeeEstimator, opts ...SchedulerOption,
) *SimpleScheduler {
	s := &SimpleScheduler{
		cfg:             cfg,
		wallets:         wallets,
		contractStore:   contractStore,
		fees:            fees,
		threshold:       defaultExpiryThreshold,
		thresholdHeight: defaultExpiryThresholdHeight,
		validity:        defaultIntentValidity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SimpleScheduler) GetIntentsToSubmit(
	ctx context.Context, coins []types.CoinLite, chainTime types.ChainTime,
) ([]IntentSpec, error) {
	selected := make([]types.CoinLite, 0, len(coins))
	for _, coin := range coins {
		if coin.Recoverable || utils.IsNearExpiry(
			coin.ExpiresAt, coin.ExpiresAtHeight, chainTime, s.threshold, s.thresholdHeight,
		) {
			selected = append(selected, coin)
		}
	}
	if len(selected) <= 0 {
		return nil, nil
	}

	coinsByWallet := utils.GroupBy(selected, func(c types.CoinLite) string {
		return c.WalletId
	})

	now := time.Now()
	specs := make([]IntentSpec, 0, len(coinsByWallet))
	for walletId, walletCoins := range coinsByWallet {
		spec, err := s.makeSpec(ctx, walletId, walletCoins, now)
		if err != nil {
			return nil, err
		}
		if spec == nil {
			continue
		}
		specs = append(specs, *spec)
	}
	return specs, nil
}

func (s *SimpleScheduler) makeSpec(
	ctx context.Context, walletId string, coins []types.CoinLite, now time.Time,
) (*IntentSpec, error) {
	amount, inputFees := uint64(0), uint64(0)
	for _, coin := range coins {
		fees, err := s.fees.InputFee(coin)
		if err != nil {
			return nil, err
		}
		amount += coin.Amount
		inputFees += fees
	}
	if inputFees >= amount {
		log.Debugf(
			"scheduler: skipping %d coin(s) of wallet %s, not worth the fees", len(coins), walletId,
		)
		return nil, nil
	}
	amount -= inputFees

	w, err := s.wallets.GetWallet(ctx, walletId)
	if err != nil {
		return nil, err
	}
	c, err := w.NewPaymentContract(ctx, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to derive payment contract: %w", err)
	}
	pkScript, err := contract.PkScript(c)
	if err != nil {
		return nil, err
	}

	output := types.Output{Type: types.OutputVtxo, Amount: amount, Script: pkScript}
	outputFees, err := s.fees.OutputFee(output)
	if err != nil {
		return nil, err
	}
	if outputFees >= amount || amount-outputFees < s.cfg.Dust {
		log.Debugf(
			"scheduler: skipping %d coin(s) of wallet %s, not worth the fees", len(coins), walletId,
		)
		return nil, nil
	}
	output.Amount = amount - outputFees

	if err := s.saveContract(ctx, c, walletId); err != nil {
		return nil, err
	}

	return &IntentSpec{
		WalletId:   walletId,
		Coins:      coins,
		Outputs:    []types.Output{output},
		ValidFrom:  now,
		ValidUntil: now.Add(s.validity),
	}, nil
}

// saveContract makes sure the destination of the intent is tracked.
func (s *SimpleScheduler) saveContract(
	ctx context.Context, c contract.Contract, walletId string,
) error {
	if s.contractStore == nil {
		return nil
	}
	entity, err := contract.Entity(c, walletId, true)
	if err != nil {
		return err
	}
	if _, err := s.contractStore.UpsertContracts(ctx, []types.ContractEntity{entity}); err != nil {
		return fmt.Errorf("failed to save payment contract: %w", err)
	}
	return nil
}
