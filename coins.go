package arkclient

import (
	"context"
	"fmt"

	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/types"
	log "github.com/sirupsen/logrus"
)

// coinLoader turns the stored vtxos into spendable coins.
type coinLoader struct {
	vtxoStore     types.VtxoStore
	contractStore types.ContractStore
}

// walletCoins returns the unspent coins locked by the active contracts of
// the wallet. Vtxos whose contract can't be reconstructed are skipped.
func (l coinLoader) walletCoins(ctx context.Context, walletId string) ([]types.Coin, error) {
	entities, err := l.contractStore.GetContractsByWallet(ctx, walletId, true)
	if err != nil {
		return nil, err
	}
	if len(entities) <= 0 {
		return nil, nil
	}

	scripts := make([]string, 0, len(entities))
	for _, entity := range entities {
		scripts = append(scripts, entity.Script)
	}
	vtxos, err := l.vtxoStore.GetVtxosByScripts(ctx, scripts)
	if err != nil {
		return nil, err
	}

	unspent := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if !vtxo.IsSpent() {
			unspent = append(unspent, vtxo)
		}
	}
	return toCoins(unspent, entities), nil
}

// intentCoins returns the coins committed by the intent, all of them must
// still be spendable.
func (l coinLoader) intentCoins(ctx context.Context, intent types.Intent) ([]types.Coin, error) {
	vtxos, err := l.vtxoStore.GetVtxos(ctx, intent.Inputs)
	if err != nil {
		return nil, err
	}
	if len(vtxos) != len(intent.Inputs) {
		return nil, fmt.Errorf(
			"found %d out of %d vtxos committed by intent %s",
			len(vtxos), len(intent.Inputs), intent.Id,
		)
	}

	scripts := make([]string, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if vtxo.IsSpent() {
			return nil, fmt.Errorf("vtxo %s committed by intent %s is spent", vtxo.Outpoint, intent.Id)
		}
		scripts = append(scripts, vtxo.Script)
	}
	entities, err := l.contractStore.GetContracts(ctx, scripts)
	if err != nil {
		return nil, err
	}

	coins := toCoins(vtxos, entities)
	if len(coins) != len(vtxos) {
		return nil, fmt.Errorf("failed to load coins committed by intent %s", intent.Id)
	}
	return sortCoins(coins, intent.Inputs), nil
}

func toCoins(vtxos []types.Vtxo, entities []types.ContractEntity) []types.Coin {
	contracts := make(map[string]contract.Contract)
	for _, entity := range entities {
		c, err := contract.FromEntity(entity)
		if err != nil {
			log.WithError(err).Warnf("skipping contract %s", entity.Script)
			continue
		}
		contracts[entity.Script] = c
	}

	coins := make([]types.Coin, 0, len(vtxos))
	for _, vtxo := range vtxos {
		c, ok := contracts[vtxo.Script]
		if !ok {
			log.Debugf("skipping vtxo %s, unknown contract", vtxo.Outpoint)
			continue
		}
		coin, err := contract.DefaultCoin(c, vtxo)
		if err != nil {
			log.WithError(err).Debugf("skipping vtxo %s", vtxo.Outpoint)
			continue
		}
		coins = append(coins, coin)
	}
	return coins
}

func sortCoins(coins []types.Coin, order []types.Outpoint) []types.Coin {
	indexed := make(map[types.Outpoint]types.Coin, len(coins))
	for _, coin := range coins {
		indexed[coin.Outpoint] = coin
	}
	sorted := make([]types.Coin, 0, len(coins))
	for _, outpoint := range order {
		if coin, ok := indexed[outpoint]; ok {
			sorted = append(sorted, coin)
		}
	}
	return sorted
}

func toCoinLites(coins []types.Coin, walletId string) []types.CoinLite {
	lites := make([]types.CoinLite, 0, len(coins))
	for _, coin := range coins {
		lites = append(lites, coin.Lite(walletId))
	}
	return lites
}
