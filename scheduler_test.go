package arkclient

import (
	"context"
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/arkade-os/arkd/pkg/ark-lib/arkfee"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/stretchr/testify/require"
)

func newCoinLite(t *testing.T, walletId string, amount uint64, expiresAt time.Time) types.CoinLite {
	return types.CoinLite{
		Outpoint:  types.Outpoint{Txid: randomTxid(t)},
		WalletId:  walletId,
		Amount:    amount,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().Add(-time.Hour),
	}
}

func TestSimpleScheduler(t *testing.T) {
	env := newTestEnv(t)
	walletId := env.wallet.Id()
	now := types.ChainTime{Timestamp: time.Now(), Height: 100}

	t.Run("selects recoverable and near expiry coins", func(t *testing.T) {
		scheduler := NewSimpleScheduler(
			env.cfg, env.wallets, env.store.ContractStore(), nil,
			WithExpiryThreshold(time.Hour),
		)

		nearExpiry := newCoinLite(t, walletId, 2_000, now.Timestamp.Add(30*time.Minute))
		recoverable := newCoinLite(t, walletId, 3_000, now.Timestamp.Add(-time.Minute))
		recoverable.Recoverable = true
		farExpiry := newCoinLite(t, walletId, 4_000, now.Timestamp.Add(48*time.Hour))
		atHeight := types.CoinLite{
			Outpoint:        types.Outpoint{Txid: randomTxid(t)},
			WalletId:        walletId,
			Amount:          1_000,
			ExpiresAtHeight: 120,
		}

		specs, err := scheduler.GetIntentsToSubmit(
			context.Background(),
			[]types.CoinLite{nearExpiry, recoverable, farExpiry, atHeight},
			now,
		)
		require.NoError(t, err)
		require.Len(t, specs, 1)

		spec := specs[0]
		require.Equal(t, walletId, spec.WalletId)
		require.ElementsMatch(
			t, []types.Outpoint{nearExpiry.Outpoint, recoverable.Outpoint, atHeight.Outpoint},
			spec.Inputs(),
		)
		require.Len(t, spec.Outputs, 1)
		require.Equal(t, uint64(6_000), spec.OutputAmount())
		require.True(t, spec.ValidUntil.After(spec.ValidFrom))

		// The destination contract must be tracked.
		entities, err := env.store.ContractStore().GetContractsByWallet(
			context.Background(), walletId, true,
		)
		require.NoError(t, err)
		require.NotEmpty(t, entities)
	})

	t.Run("nothing to renew", func(t *testing.T) {
		scheduler := NewSimpleScheduler(env.cfg, env.wallets, env.store.ContractStore(), nil)

		specs, err := scheduler.GetIntentsToSubmit(
			context.Background(),
			[]types.CoinLite{newCoinLite(t, walletId, 4_000, now.Timestamp.Add(72*time.Hour))},
			now,
		)
		require.NoError(t, err)
		require.Empty(t, specs)
	})

	t.Run("skips sub dust specs", func(t *testing.T) {
		fees, err := NewFeeEstimator(types.FeeInfo{
			IntentFees: arkfee.Config{IntentOffchainInputProgram: "100.0"},
		})
		require.NoError(t, err)
		scheduler := NewSimpleScheduler(env.cfg, env.wallets, env.store.ContractStore(), fees)

		coin := newCoinLite(t, walletId, testDust+50, now.Timestamp.Add(time.Minute))
		specs, err := scheduler.GetIntentsToSubmit(
			context.Background(), []types.CoinLite{coin}, now,
		)
		require.NoError(t, err)
		require.Empty(t, specs)

		coin.Amount = 80
		specs, err = scheduler.GetIntentsToSubmit(
			context.Background(), []types.CoinLite{coin}, now,
		)
		require.NoError(t, err)
		require.Empty(t, specs)
	})

	t.Run("outputs and fees never exceed inputs", func(t *testing.T) {
		fees, err := NewFeeEstimator(types.FeeInfo{
			IntentFees: arkfee.Config{
				IntentOffchainInputProgram:  "150.0",
				IntentOffchainOutputProgram: "75.0",
			},
		})
		require.NoError(t, err)
		scheduler := NewSimpleScheduler(env.cfg, env.wallets, env.store.ContractStore(), fees)

		rnd := mathrand.New(mathrand.NewSource(42))
		for i := 0; i < 50; i++ {
			coins := make([]types.CoinLite, 0)
			for j := 0; j < 1+rnd.Intn(5); j++ {
				amount := uint64(1 + rnd.Intn(5_000))
				coins = append(coins, newCoinLite(t, walletId, amount, now.Timestamp.Add(time.Minute)))
			}

			specs, err := scheduler.GetIntentsToSubmit(context.Background(), coins, now)
			require.NoError(t, err)

			for _, spec := range specs {
				estimated, err := fees.EstimateFees(spec.Coins, spec.Outputs)
				require.NoError(t, err)
				require.LessOrEqual(t, spec.OutputAmount()+estimated, spec.InputAmount())
				for _, output := range spec.Outputs {
					require.GreaterOrEqual(t, output.Amount, env.cfg.Dust)
				}
			}
		}
	})
}
