package arkclient

import (
	"testing"
	"time"

	"github.com/arkade-os/arkd/pkg/ark-lib/arkfee"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/stretchr/testify/require"
)

func TestFeeEstimator(t *testing.T) {
	coin := types.CoinLite{
		Outpoint:  types.Outpoint{Txid: randomTxid(t)},
		Amount:    10_000,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now().Add(-time.Hour),
	}
	output := randomOutput(t, 5_000)

	t.Run("no fees", func(t *testing.T) {
		var nilEstimator *FeeEstimator
		fees, err := nilEstimator.EstimateFees([]types.CoinLite{coin}, []types.Output{output})
		require.NoError(t, err)
		require.Zero(t, fees)

		estimator, err := NewFeeEstimator(types.FeeInfo{})
		require.NoError(t, err)
		fees, err = estimator.EstimateFees([]types.CoinLite{coin}, []types.Output{output})
		require.NoError(t, err)
		require.Zero(t, fees)
	})

	t.Run("constant fees", func(t *testing.T) {
		estimator, err := NewFeeEstimator(types.FeeInfo{
			IntentFees: arkfee.Config{
				IntentOffchainInputProgram:  "100.0",
				IntentOffchainOutputProgram: "50.0",
				IntentOnchainOutputProgram:  "200.0",
			},
		})
		require.NoError(t, err)

		fees, err := estimator.InputFee(coin)
		require.NoError(t, err)
		require.Equal(t, uint64(100), fees)

		fees, err = estimator.OutputFee(output)
		require.NoError(t, err)
		require.Equal(t, uint64(50), fees)

		onchain := output
		onchain.Type = types.OutputOnchain
		fees, err = estimator.OutputFee(onchain)
		require.NoError(t, err)
		require.Equal(t, uint64(200), fees)

		fees, err = estimator.EstimateFees(
			[]types.CoinLite{coin, coin}, []types.Output{output, onchain},
		)
		require.NoError(t, err)
		require.Equal(t, uint64(450), fees)
	})

	t.Run("invalid program", func(t *testing.T) {
		_, err := NewFeeEstimator(types.FeeInfo{
			IntentFees: arkfee.Config{IntentOffchainInputProgram: "amount +"},
		})
		require.Error(t, err)
	})
}
