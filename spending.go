package arkclient

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/arkade-os/go-ark-client/arktx"
	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	log "github.com/sirupsen/logrus"
)

// maxSubDustOutputs is the number of sub-dust outputs an offchain tx can
// carry.
const maxSubDustOutputs = 1

// LeafStrategy binds a vtxo locked by a contract to one of the contract
// leaves.
type LeafStrategy struct {
	Name string
	Bind func(
		ctx context.Context, w wallet.Wallet, c contract.Contract, vtxo types.Vtxo,
	) (types.Coin, error)
}

// DefaultLeafStrategies tries the collaborative leaf first, then any leaf
// requiring a signature of the wallet key.
func DefaultLeafStrategies() []LeafStrategy {
	return []LeafStrategy{
		{Name: "collaborative", Bind: bindCollaborativeLeaf},
		{Name: "signer-key", Bind: bindSignerKeyLeaf},
	}
}

// SpendingService sends vtxos offchain, outside of batches.
type SpendingService struct {
	cfg           types.Config
	transport     arktx.Transport
	vtxoStore     types.VtxoStore
	contractStore types.ContractStore
	intentStore   types.IntentStore
	wallets       wallet.Provider
	locks         *utils.KeyedMutex
	strategies    []LeafStrategy
}

func NewSpendingService(
	cfg types.Config, store types.Store, transport arktx.Transport,
	wallets wallet.Provider, locks *utils.KeyedMutex, strategies ...LeafStrategy,
) *SpendingService {
	if locks == nil {
		locks = utils.NewKeyedMutex()
	}
	if len(strategies) <= 0 {
		strategies = DefaultLeafStrategies()
	}
	return &SpendingService{
		cfg:           cfg,
		transport:     transport,
		vtxoStore:     store.VtxoStore(),
		contractStore: store.ContractStore(),
		intentStore:   store.IntentStore(),
		wallets:       wallets,
		locks:         locks,
		strategies:    strategies,
	}
}

// Spend sends the given outputs with an offchain tx funded by the wallet
// and returns its txid. Without inputs, coins are selected among the
// spendable vtxos of the wallet, the ones expiring first. The change goes
// to a payment contract of the wallet.
func (s *SpendingService) Spend(
	ctx context.Context, walletId string, outputs []types.Output, inputs ...types.Outpoint,
) (string, error) {
	if len(outputs) <= 0 {
		return "", fmt.Errorf("missing outputs")
	}
	amount := uint64(0)
	subDustOutputs := 0
	for i, output := range outputs {
		if output.Amount <= 0 {
			return "", fmt.Errorf("output %d: invalid amount", i)
		}
		if output.Amount < s.cfg.Dust {
			subDustOutputs++
		}
		amount += output.Amount
	}

	w, err := s.wallets.GetWallet(ctx, walletId)
	if err != nil {
		return "", err
	}

	unlock := s.locks.Lock(walletLockKey(walletId))
	defer unlock()

	candidates, err := s.spendableCoins(ctx, w, inputs)
	if err != nil {
		return "", err
	}

	coins := candidates
	if len(inputs) <= 0 {
		coins, _, err = utils.CoinSelect(candidates, amount, s.cfg.Dust, nil, nil)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotEnoughFunds, err)
		}
	}

	inputAmount := uint64(0)
	for _, coin := range coins {
		inputAmount += coin.Amount
	}
	if inputAmount < amount {
		return "", fmt.Errorf(
			"%w: inputs %d, outputs %d", ErrNotEnoughFunds, inputAmount, amount,
		)
	}

	outputs = slices.Clone(outputs)
	if change := inputAmount - amount; change > 0 {
		switch {
		case change >= s.cfg.Dust:
			changeOutput, err := s.changeOutput(ctx, w, change)
			if err != nil {
				return "", err
			}
			outputs = append(outputs, *changeOutput)
		case subDustOutputs+1 <= maxSubDustOutputs:
			changeOutput, err := s.changeOutput(ctx, w, change)
			if err != nil {
				return "", err
			}
			outputs = append([]types.Output{*changeOutput}, outputs...)
		default:
			// Coin selection already tried to add a coin, and the change
			// can't be left out of a tx that must balance.
			return "", fmt.Errorf(
				"%w: %d sats with %d sub-dust output(s)", ErrSubDustChange, change, subDustOutputs,
			)
		}
	}

	tx, err := arktx.BuildOffchainTx(coins, outputs, s.cfg.CheckpointExitPath(), s.cfg.Dust)
	if err != nil {
		return "", err
	}
	arkTxid, err := tx.Submit(ctx, s.transport, w, s.cfg.SignerPubKey)
	if err != nil {
		return "", err
	}

	s.markSpent(ctx, coins, arkTxid)

	log.WithField("wallet", walletId).Infof(
		"spending: sent %d sats with %d coin(s) in tx %s", amount, len(coins), arkTxid,
	)
	return arkTxid, nil
}

// SweepCoin sends the whole amount of a coin already bound to one of its
// leaves to a new payment contract of the wallet. A coin committed to a
// pending intent is reported as locked.
func (s *SpendingService) SweepCoin(
	ctx context.Context, walletId string, coin types.Coin,
) (string, error) {
	w, err := s.wallets.GetWallet(ctx, walletId)
	if err != nil {
		return "", err
	}

	unlock := s.locks.Lock(walletLockKey(walletId))
	defer unlock()

	vtxos, err := s.vtxoStore.GetVtxos(ctx, []types.Outpoint{coin.Outpoint})
	if err != nil {
		return "", err
	}
	if len(vtxos) <= 0 {
		return "", fmt.Errorf("vtxo %s not found", coin.Outpoint)
	}
	if vtxos[0].IsSpent() {
		return "", fmt.Errorf("vtxo %s already spent", coin.Outpoint)
	}
	committed, err := s.committedInputs(ctx, walletId)
	if err != nil {
		return "", err
	}
	if committed[coin.Outpoint] {
		return "", fmt.Errorf(
			"%w: %s committed to a pending intent", client.ErrAlreadyLocked, coin.Outpoint,
		)
	}

	output, err := s.changeOutput(ctx, w, coin.Amount)
	if err != nil {
		return "", err
	}
	tx, err := arktx.BuildOffchainTx(
		[]types.Coin{coin}, []types.Output{*output}, s.cfg.CheckpointExitPath(), s.cfg.Dust,
	)
	if err != nil {
		return "", err
	}
	arkTxid, err := tx.Submit(ctx, s.transport, w, s.cfg.SignerPubKey)
	if err != nil {
		return "", err
	}

	s.markSpent(ctx, []types.Coin{coin}, arkTxid)
	return arkTxid, nil
}

// spendableCoins binds the spendable vtxos of the wallet, or the given
// ones, to a leaf. Vtxos committed to a pending intent are excluded.
func (s *SpendingService) spendableCoins(
	ctx context.Context, w wallet.Wallet, inputs []types.Outpoint,
) ([]types.Coin, error) {
	entities, err := s.contractStore.GetContractsByWallet(ctx, w.Id(), true)
	if err != nil {
		return nil, err
	}
	contracts := make(map[string]contract.Contract, len(entities))
	scripts := make([]string, 0, len(entities))
	for _, entity := range entities {
		c, err := contract.FromEntity(entity)
		if err != nil {
			log.WithError(err).Debugf("spending: skipping contract %s", entity.Script)
			continue
		}
		contracts[entity.Script] = c
		scripts = append(scripts, entity.Script)
	}

	var vtxos []types.Vtxo
	if len(inputs) > 0 {
		vtxos, err = s.vtxoStore.GetVtxos(ctx, inputs)
		if err != nil {
			return nil, err
		}
		if len(vtxos) != len(inputs) {
			return nil, fmt.Errorf("found %d out of %d inputs", len(vtxos), len(inputs))
		}
	} else if len(scripts) > 0 {
		vtxos, err = s.vtxoStore.GetVtxosByScripts(ctx, scripts)
		if err != nil {
			return nil, err
		}
	}

	committed, err := s.committedInputs(ctx, w.Id())
	if err != nil {
		return nil, err
	}

	explicit := len(inputs) > 0
	coins := make([]types.Coin, 0, len(vtxos))
	attempts := make([]SpendAttempt, 0)
	for _, vtxo := range vtxos {
		var reason string
		switch {
		case vtxo.IsSpent():
			reason = "spent"
		case vtxo.IsRecoverable():
			reason = "swept, it can only be settled"
		case committed[vtxo.Outpoint]:
			reason = "committed to a pending intent"
		}
		c, ok := contracts[vtxo.Script]
		if reason == "" && !ok {
			reason = "not locked by an active contract of the wallet"
		}
		if reason != "" {
			if explicit {
				return nil, fmt.Errorf("input %s is not spendable: %s", vtxo.Outpoint, reason)
			}
			continue
		}

		coin, failed := s.bind(ctx, w, c, vtxo)
		attempts = append(attempts, failed...)
		if coin == nil {
			if explicit {
				return nil, &SpendError{Attempts: attempts}
			}
			continue
		}
		coins = append(coins, *coin)
	}

	if len(coins) <= 0 && len(attempts) > 0 {
		return nil, &SpendError{Attempts: attempts}
	}
	return coins, nil
}

// bind applies the strategies in order and returns the first coin one of
// them could build, along with the failed attempts.
func (s *SpendingService) bind(
	ctx context.Context, w wallet.Wallet, c contract.Contract, vtxo types.Vtxo,
) (*types.Coin, []SpendAttempt) {
	attempts := make([]SpendAttempt, 0)
	for _, strategy := range s.strategies {
		coin, err := strategy.Bind(ctx, w, c, vtxo)
		if err != nil {
			attempts = append(attempts, SpendAttempt{
				Strategy: strategy.Name,
				Outpoint: vtxo.Outpoint,
				Err:      err,
			})
			continue
		}
		return &coin, attempts
	}
	return nil, attempts
}

func (s *SpendingService) committedInputs(
	ctx context.Context, walletId string,
) (map[types.Outpoint]bool, error) {
	intents, err := s.intentStore.GetIntentsByWallet(ctx, walletId)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	committed := make(map[types.Outpoint]bool)
	for _, intent := range intents {
		if !intent.IsPending() || intent.IsExpired(now) {
			continue
		}
		for _, input := range intent.Inputs {
			committed[input] = true
		}
	}
	return committed, nil
}

func (s *SpendingService) changeOutput(
	ctx context.Context, w wallet.Wallet, amount uint64,
) (*types.Output, error) {
	c, err := w.NewPaymentContract(ctx, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change contract: %w", err)
	}
	pkScript, err := contract.PkScript(c)
	if err != nil {
		return nil, err
	}
	entity, err := contract.Entity(c, w.Id(), true)
	if err != nil {
		return nil, err
	}
	if _, err := s.contractStore.UpsertContracts(ctx, []types.ContractEntity{entity}); err != nil {
		return nil, fmt.Errorf("failed to save change contract: %w", err)
	}
	return &types.Output{Type: types.OutputVtxo, Amount: amount, Script: pkScript}, nil
}

// markSpent stores the spent inputs right away, the sync engine confirms
// them once notified by the server.
func (s *SpendingService) markSpent(ctx context.Context, coins []types.Coin, arkTxid string) {
	vtxos := make([]types.Vtxo, 0, len(coins))
	for _, coin := range coins {
		vtxo := coin.Vtxo
		vtxo.Spent = true
		vtxo.SpentBy = arkTxid
		vtxo.ArkTxid = arkTxid
		vtxos = append(vtxos, vtxo)
	}
	if _, err := s.vtxoStore.UpsertVtxos(ctx, vtxos); err != nil {
		log.WithError(err).Warn("spending: failed to mark inputs as spent")
	}
}

func bindCollaborativeLeaf(
	_ context.Context, _ wallet.Wallet, c contract.Contract, vtxo types.Vtxo,
) (types.Coin, error) {
	return contract.DefaultCoin(c, vtxo)
}

// bindSignerKeyLeaf picks the first leaf, collaborative ones first, whose
// closure requires the wallet key.
func bindSignerKeyLeaf(
	ctx context.Context, w wallet.Wallet, c contract.Contract, vtxo types.Vtxo,
) (types.Coin, error) {
	pubkey, err := w.GetPubKey(ctx)
	if err != nil {
		return types.Coin{}, err
	}
	xonlyKey := schnorr.SerializePubKey(pubkey)

	paths, err := c.SpendingPaths()
	if err != nil {
		return types.Coin{}, err
	}
	slices.SortStableFunc(paths, func(a, b contract.SpendingPath) int {
		switch {
		case a.Collaborative == b.Collaborative:
			return 0
		case a.Collaborative:
			return -1
		default:
			return 1
		}
	})

	var lastErr error
	for _, path := range paths {
		closure, err := script.DecodeClosure(path.Script)
		if err != nil || !closureHasKey(closure, xonlyKey) {
			continue
		}
		coin, err := contract.NewCoin(c, vtxo, path)
		if err != nil {
			lastErr = err
			continue
		}
		return coin, nil
	}
	if lastErr != nil {
		return types.Coin{}, lastErr
	}
	return types.Coin{}, fmt.Errorf("no leaf of contract %s requires the wallet key", c.Type())
}

func closureHasKey(closure script.Closure, xonlyKey []byte) bool {
	var keys []*btcec.PublicKey
	switch c := closure.(type) {
	case *script.MultisigClosure:
		keys = c.PubKeys
	case *script.CSVMultisigClosure:
		keys = c.PubKeys
	case *script.CLTVMultisigClosure:
		keys = c.PubKeys
	case *script.ConditionMultisigClosure:
		keys = c.PubKeys
	case *script.ConditionCSVMultisigClosure:
		keys = c.PubKeys
	}
	for _, key := range keys {
		if bytes.Equal(schnorr.SerializePubKey(key), xonlyKey) {
			return true
		}
	}
	return false
}
