package grpcclient

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	arkv1 "github.com/arkade-os/arkd/api-spec/protobuf/gen/ark/v1"
	"github.com/arkade-os/arkd/pkg/ark-lib/arkfee"
	"github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/types"
)

// timestampThresholdYear separates expiries expressed as unix timestamps from
// the ones expressed as block heights.
const timestampThresholdYear = 2025

type eventResponse interface {
	GetStreamStarted() *arkv1.StreamStartedEvent
	GetBatchFailed() *arkv1.BatchFailedEvent
	GetBatchStarted() *arkv1.BatchStartedEvent
	GetBatchFinalization() *arkv1.BatchFinalizationEvent
	GetBatchFinalized() *arkv1.BatchFinalizedEvent
	GetTreeSigningStarted() *arkv1.TreeSigningStartedEvent
	GetTreeNonces() *arkv1.TreeNoncesEvent
	GetTreeNoncesAggregated() *arkv1.TreeNoncesAggregatedEvent
	GetTreeTx() *arkv1.TreeTxEvent
	GetTreeSignature() *arkv1.TreeSignatureEvent
}

type event struct {
	eventResponse
}

// toBatchEvent returns nil for events the client doesn't care about, like
// heartbeats.
func (e event) toBatchEvent() (any, error) {
	if ee := e.GetStreamStarted(); ee != nil {
		return client.StreamStartedEvent{Id: ee.GetId()}, nil
	}

	if ee := e.GetBatchFailed(); ee != nil {
		return client.BatchFailedEvent{
			Id:     ee.GetId(),
			Reason: ee.GetReason(),
		}, nil
	}

	if ee := e.GetBatchStarted(); ee != nil {
		return client.BatchStartedEvent{
			Id:              ee.GetId(),
			HashedIntentIds: ee.GetIntentIdHashes(),
			BatchExpiry:     ee.GetBatchExpiry(),
		}, nil
	}

	if ee := e.GetBatchFinalization(); ee != nil {
		return client.BatchFinalizationEvent{
			Id: ee.GetId(),
			Tx: ee.GetCommitmentTx(),
		}, nil
	}

	if ee := e.GetBatchFinalized(); ee != nil {
		return client.BatchFinalizedEvent{
			Id:   ee.GetId(),
			Txid: ee.GetCommitmentTxid(),
		}, nil
	}

	if ee := e.GetTreeSigningStarted(); ee != nil {
		return client.TreeSigningStartedEvent{
			Id:                   ee.GetId(),
			UnsignedCommitmentTx: ee.GetUnsignedCommitmentTx(),
			CosignersPubkeys:     ee.GetCosignersPubkeys(),
		}, nil
	}

	if ee := e.GetTreeNonces(); ee != nil {
		nonces := make(map[string]*tree.Musig2Nonce, len(ee.GetNonces()))
		for pubkey, nonce := range ee.GetNonces() {
			buf, err := hex.DecodeString(nonce)
			if err != nil {
				return nil, fmt.Errorf("failed to parse nonce of %s: %s", pubkey, err)
			}
			if len(buf) != 66 {
				return nil, fmt.Errorf(
					"invalid nonce of %s: expected 66 bytes, got %d", pubkey, len(buf),
				)
			}
			nonces[pubkey] = &tree.Musig2Nonce{PubNonce: [66]byte(buf)}
		}
		return client.TreeNoncesEvent{
			Id:     ee.GetId(),
			Topic:  ee.GetTopic(),
			Txid:   ee.GetTxid(),
			Nonces: nonces,
		}, nil
	}

	if ee := e.GetTreeNoncesAggregated(); ee != nil {
		nonces, err := tree.NewTreeNonces(ee.GetTreeNonces())
		if err != nil {
			return nil, fmt.Errorf("failed to parse aggregated nonces: %s", err)
		}
		return client.TreeNoncesAggregatedEvent{
			Id:     ee.GetId(),
			Nonces: nonces,
		}, nil
	}

	if ee := e.GetTreeTx(); ee != nil {
		return client.TreeTxEvent{
			Id:         ee.GetId(),
			Topic:      ee.GetTopic(),
			BatchIndex: ee.GetBatchIndex(),
			Node: tree.TxTreeNode{
				Txid:     ee.GetTxid(),
				Tx:       ee.GetTx(),
				Children: ee.GetChildren(),
			},
		}, nil
	}

	if ee := e.GetTreeSignature(); ee != nil {
		return client.TreeSignatureEvent{
			Id:         ee.GetId(),
			Topic:      ee.GetTopic(),
			BatchIndex: ee.GetBatchIndex(),
			Txid:       ee.GetTxid(),
			Signature:  ee.GetSignature(),
		}, nil
	}

	return nil, nil
}

type vtxo struct {
	*arkv1.IndexerVtxo
}

func (v vtxo) toVtxo() types.Vtxo {
	vtxo := types.Vtxo{
		Outpoint: types.Outpoint{
			Txid: v.GetOutpoint().GetTxid(),
			VOut: v.GetOutpoint().GetVout(),
		},
		Script:          v.GetScript(),
		Amount:          v.GetAmount(),
		CommitmentTxids: v.GetCommitmentTxids(),
		CreatedAt:       time.Unix(v.GetCreatedAt(), 0),
		Preconfirmed:    v.GetIsPreconfirmed(),
		Swept:           v.GetIsSwept(),
		Spent:           v.GetIsSpent(),
		Unrolled:        v.GetIsUnrolled(),
		SpentBy:         v.GetSpentBy(),
		SettledBy:       v.GetSettledBy(),
		ArkTxid:         v.GetArkTxid(),
	}
	vtxo.ExpiresAt, vtxo.ExpiresAtHeight = parseExpiry(v.GetExpiresAt())
	return vtxo
}

type vtxos []*arkv1.IndexerVtxo

func (v vtxos) toVtxos() []types.Vtxo {
	list := make([]types.Vtxo, 0, len(v))
	for _, vv := range v {
		list = append(list, vtxo{vv}.toVtxo())
	}
	return list
}

// parseExpiry tells apart expiries given as unix timestamps from those given
// as block heights.
func parseExpiry(expiry int64) (time.Time, uint32) {
	if expiry <= 0 {
		return time.Time{}, 0
	}
	if t := time.Unix(expiry, 0); t.UTC().Year() >= timestampThresholdYear {
		return t, 0
	}
	return time.Time{}, uint32(expiry)
}

type feeInfo struct {
	*arkv1.FeeInfo
}

func (f feeInfo) parse() types.FeeInfo {
	if f.FeeInfo == nil {
		return types.FeeInfo{}
	}
	// nolint
	txFeeRate, _ := strconv.ParseFloat(f.GetTxFeeRate(), 64)
	intentFees := f.GetIntentFee()
	return types.FeeInfo{
		TxFeeRate: txFeeRate,
		IntentFees: arkfee.Config{
			IntentOffchainInputProgram:  intentFees.GetOffchainInput(),
			IntentOffchainOutputProgram: intentFees.GetOffchainOutput(),
			IntentOnchainInputProgram:   intentFees.GetOnchainInput(),
			IntentOnchainOutputProgram:  intentFees.GetOnchainOutput(),
		},
	}
}
