package arkclient

import (
	"fmt"

	"github.com/arkade-os/arkd/pkg/ark-lib/arkfee"
	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/types"
)

// FeeEstimator evaluates the server intent fee programs. The zero value (or
// a nil pointer) estimates no fees.
type FeeEstimator struct {
	estimator *arkfee.Estimator
}

func NewFeeEstimator(fees types.FeeInfo) (*FeeEstimator, error) {
	estimator, err := arkfee.New(fees.IntentFees)
	if err != nil {
		return nil, fmt.Errorf("invalid intent fee programs: %s", err)
	}
	return &FeeEstimator{estimator}, nil
}

func (f *FeeEstimator) InputFee(coin types.CoinLite) (uint64, error) {
	if f == nil || f.estimator == nil {
		return 0, nil
	}

	fees, err := f.estimator.EvalOffchainInput(toArkFeeInput(coin))
	if err != nil {
		return 0, fmt.Errorf("failed to estimate fee of input %s: %w", coin.Outpoint, err)
	}
	return toSatoshis(fees.ToSatoshis()), nil
}

func (f *FeeEstimator) OutputFee(output types.Output) (uint64, error) {
	if f == nil || f.estimator == nil {
		return 0, nil
	}

	var (
		fees arkfee.FeeAmount
		err  error
	)
	if output.Type == types.OutputOnchain {
		fees, err = f.estimator.EvalOnchainOutput(output.ToArkFeeOutput())
	} else {
		fees, err = f.estimator.EvalOffchainOutput(output.ToArkFeeOutput())
	}
	if err != nil {
		return 0, fmt.Errorf("failed to estimate output fee: %w", err)
	}
	return toSatoshis(fees.ToSatoshis()), nil
}

// EstimateFees returns the fees the server charges to settle the given
// inputs into the given outputs.
func (f *FeeEstimator) EstimateFees(
	inputs []types.CoinLite, outputs []types.Output,
) (uint64, error) {
	total := uint64(0)
	for _, input := range inputs {
		fees, err := f.InputFee(input)
		if err != nil {
			return 0, err
		}
		total += fees
	}
	for _, output := range outputs {
		fees, err := f.OutputFee(output)
		if err != nil {
			return 0, err
		}
		total += fees
	}
	return total, nil
}

func toArkFeeInput(coin types.CoinLite) arkfee.OffchainInput {
	vtxoType := arkfee.VtxoTypeVtxo
	switch {
	case coin.ContractType == string(contract.TypeNote):
		vtxoType = arkfee.VtxoTypeNote
	case coin.Recoverable:
		vtxoType = arkfee.VtxoTypeRecoverable
	}
	return arkfee.OffchainInput{
		Amount: coin.Amount,
		Expiry: coin.ExpiresAt,
		Birth:  coin.CreatedAt,
		Type:   vtxoType,
	}
}

func toSatoshis[T ~int64 | ~int](amount T) uint64 {
	if amount <= 0 {
		return 0
	}
	return uint64(amount)
}
