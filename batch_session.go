package arkclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/arkade-os/go-ark-client/arktx"
	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
)

const (
	start = iota
	batchStarted
	treeSigningStarted
	treeNoncesAggregated
	batchFinalization
)

// batchSession drives the participation of one intent in one batch, from
// the batch start to its finalization.
type batchSession struct {
	intent      types.Intent
	batchId     string
	cfg         types.Config
	transport   client.TransportClient
	wallet      wallet.Wallet
	signer      tree.SignerSession
	coins       []types.Coin
	batchExpiry arklib.RelativeLocktime
	rpcTimeout  time.Duration

	step int
	// the txs of the trees are received one after the other via TreeTxEvent
	// we collect them and then build the trees when necessary.
	flatVtxoTree      []tree.TxTreeNode
	flatConnectorTree []tree.TxTreeNode
	// txid of a connector tx -> topics (vtxo outpoints) it was sent for.
	connectorTopics map[string][]string
	vtxoTree        *tree.TxTree
}

func newBatchSession(
	intent types.Intent, event client.BatchStartedEvent, cfg types.Config,
	transport client.TransportClient, w wallet.Wallet, signer tree.SignerSession,
	coins []types.Coin, rpcTimeout time.Duration,
) (*batchSession, error) {
	expiry, err := batchExpiryLocktime(event.BatchExpiry)
	if err != nil {
		return nil, err
	}
	return &batchSession{
		intent:            intent,
		batchId:           event.Id,
		cfg:               cfg,
		transport:         transport,
		wallet:            w,
		signer:            signer,
		coins:             coins,
		batchExpiry:       expiry,
		rpcTimeout:        rpcTimeout,
		step:              batchStarted,
		flatVtxoTree:      make([]tree.TxTreeNode, 0),
		flatConnectorTree: make([]tree.TxTreeNode, 0),
		connectorTopics:   make(map[string][]string),
	}, nil
}

// handle processes one event of the stream. It returns done once the batch
// is finalized (with the commitment txid) or failed (with an error).
func (s *batchSession) handle(ctx context.Context, event any) (string, bool, error) {
	if batchId, ok := eventBatchId(event); !ok || batchId != s.batchId {
		return "", false, nil
	}

	switch e := event.(type) {
	case client.BatchFinalizedEvent:
		return e.Txid, true, nil
	case client.BatchFailedEvent:
		return "", true, fmt.Errorf("batch failed: %s", e.Reason)
	case client.TreeTxEvent:
		if s.step >= batchFinalization {
			return "", false, nil
		}
		if e.BatchIndex == 0 {
			s.flatVtxoTree = append(s.flatVtxoTree, e.Node)
		} else {
			s.flatConnectorTree = append(s.flatConnectorTree, e.Node)
			s.connectorTopics[e.Node.Txid] = e.Topic
		}
	case client.TreeSigningStartedEvent:
		if s.step != batchStarted {
			return "", false, nil
		}
		if err := s.onTreeSigningStarted(ctx, e); err != nil {
			return "", true, err
		}
	case client.TreeNoncesEvent:
		if s.step != treeSigningStarted {
			return "", false, nil
		}
		signed, err := s.onTreeNonces(ctx, e)
		if err != nil {
			return "", true, err
		}
		if signed {
			s.step = treeNoncesAggregated
		}
	case client.TreeNoncesAggregatedEvent:
		if s.step != treeSigningStarted {
			return "", false, nil
		}
		s.signer.SetAggregatedNonces(e.Nonces)
		if err := s.signTree(ctx); err != nil {
			return "", true, err
		}
		s.step = treeNoncesAggregated
	case client.TreeSignatureEvent:
		if s.step != treeNoncesAggregated || s.vtxoTree == nil {
			return "", false, nil
		}
		if err := addSignatureToTxTree(e, s.vtxoTree); err != nil {
			return "", true, err
		}
	case client.BatchFinalizationEvent:
		if s.step == treeSigningStarted || s.step >= batchFinalization {
			return "", false, nil
		}
		if err := s.onBatchFinalization(ctx, e); err != nil {
			return "", true, err
		}
		log.WithField("intent", s.intent.Id).Debug("batch session: waiting for batch finalization")
		s.step = batchFinalization
	}
	return "", false, nil
}

func (s *batchSession) onTreeSigningStarted(
	ctx context.Context, event client.TreeSigningStartedEvent,
) error {
	// No vtxo outputs in the batch, nothing to sign.
	if len(s.flatVtxoTree) <= 0 {
		s.step = treeNoncesAggregated
		return nil
	}

	vtxoTree, err := tree.NewTxTree(s.flatVtxoTree)
	if err != nil {
		return fmt.Errorf("failed to create branch of vtxo tree: %s", err)
	}
	s.vtxoTree = vtxoTree

	pubkey := s.signer.GetPublicKey()
	if !slices.ContainsFunc(event.CosignersPubkeys, func(k string) bool {
		return strings.EqualFold(k, pubkey)
	}) {
		s.step = treeNoncesAggregated
		return nil
	}

	root, err := s.sweepTapscriptRoot()
	if err != nil {
		return err
	}

	commitmentTx, err := psbt.NewFromRawBytes(strings.NewReader(event.UnsignedCommitmentTx), true)
	if err != nil {
		return fmt.Errorf("failed to parse commitment tx: %s", err)
	}
	if len(commitmentTx.UnsignedTx.TxOut) <= 0 {
		return fmt.Errorf("invalid commitment tx: missing batch output")
	}
	batchOutputAmount := commitmentTx.UnsignedTx.TxOut[0].Value

	if err := s.signer.Init(root, batchOutputAmount, vtxoTree); err != nil {
		return fmt.Errorf("failed to init tree signer session: %s", err)
	}
	nonces, err := s.signer.GetNonces()
	if err != nil {
		return fmt.Errorf("failed to generate tree nonces: %s", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()
	if err := s.transport.SubmitTreeNonces(rpcCtx, event.Id, pubkey, nonces); err != nil {
		return fmt.Errorf("failed to submit tree nonces: %w", err)
	}

	s.step = treeSigningStarted
	return nil
}

// onTreeNonces aggregates the nonces of the cosigners of one tx, and signs
// the tree once every tx got its aggregated nonce.
func (s *batchSession) onTreeNonces(
	ctx context.Context, event client.TreeNoncesEvent,
) (bool, error) {
	pubkey := s.signer.GetPublicKey()
	if !slices.ContainsFunc(event.Topic, func(k string) bool {
		return strings.EqualFold(k, pubkey)
	}) {
		return false, nil
	}

	hasAllNonces, err := s.signer.AggregateNonces(event.Txid, event.Nonces)
	if err != nil {
		return false, fmt.Errorf("failed to aggregate nonces of tx %s: %s", event.Txid, err)
	}
	if !hasAllNonces {
		return false, nil
	}
	if err := s.signTree(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *batchSession) signTree(ctx context.Context) error {
	sigs, err := s.signer.Sign()
	if err != nil {
		return fmt.Errorf("failed to sign vtxo tree: %s", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()
	if err := s.transport.SubmitTreeSignatures(
		rpcCtx, s.batchId, s.signer.GetPublicKey(), sigs,
	); err != nil {
		return fmt.Errorf("failed to submit tree signatures: %w", err)
	}
	return nil
}

// onBatchFinalization forfeits every coin of the intent that is still
// owned by the server, each bound to its connector.
func (s *batchSession) onBatchFinalization(
	ctx context.Context, _ client.BatchFinalizationEvent,
) error {
	coins := make([]types.Coin, 0, len(s.coins))
	for _, coin := range s.coins {
		// Swept vtxos and notes have nothing to forfeit.
		if coin.IsRecoverable() || coin.ContractType == string(contract.TypeNote) {
			continue
		}
		coins = append(coins, coin)
	}
	if len(coins) <= 0 {
		return nil
	}

	if len(s.flatConnectorTree) > 0 {
		if _, err := tree.NewTxTree(s.flatConnectorTree); err != nil {
			return fmt.Errorf("failed to create branch of connector tree: %s", err)
		}
	}

	net := utils.ToBitcoinNetwork(s.cfg.Network)
	forfeitPkScript, err := s.cfg.ForfeitPkScript(&net)
	if err != nil {
		return err
	}

	forfeits := make([]string, 0, len(coins))
	for _, coin := range coins {
		var connector *arktx.Connector
		if len(s.flatConnectorTree) > 0 {
			connector, err = findConnector(s.flatConnectorTree, s.connectorTopics, coin.Outpoint)
			if err != nil {
				return err
			}
		}

		forfeit, err := arktx.BuildForfeitTx(coin, forfeitPkScript, s.cfg.Dust, connector)
		if err != nil {
			return fmt.Errorf("failed to build forfeit tx for %s: %w", coin.Outpoint, err)
		}
		if err := s.wallet.SignTransaction(ctx, forfeit); err != nil {
			return fmt.Errorf("failed to sign forfeit tx for %s: %w", coin.Outpoint, err)
		}
		b64, err := forfeit.B64Encode()
		if err != nil {
			return err
		}
		forfeits = append(forfeits, b64)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()
	if err := s.transport.SubmitSignedForfeitTxs(rpcCtx, forfeits, ""); err != nil {
		return fmt.Errorf("failed to submit forfeit txs: %w", err)
	}
	return nil
}

func (s *batchSession) sweepTapscriptRoot() ([]byte, error) {
	sweepKey := s.cfg.ForfeitPubKey
	if sweepKey == nil {
		sweepKey = s.cfg.SignerPubKey
	}
	if sweepKey == nil {
		return nil, fmt.Errorf("missing server pubkey")
	}

	sweepClosure := script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{sweepKey}},
		Locktime:        s.batchExpiry,
	}
	sweepScript, err := sweepClosure.Script()
	if err != nil {
		return nil, err
	}

	sweepTapTree := txscript.AssembleTaprootScriptTree(txscript.NewBaseTapLeaf(sweepScript))
	root := sweepTapTree.RootNode.TapHash()
	return root.CloneBytes(), nil
}

// findConnector returns the output of the connector leaf reserved to the
// given vtxo. Connector leaves are streamed with the vtxo outpoint among
// their topics.
func findConnector(
	nodes []tree.TxTreeNode, topics map[string][]string, outpoint types.Outpoint,
) (*arktx.Connector, error) {
	topic := outpoint.String()
	for _, node := range nodes {
		if len(node.Children) > 0 || !slices.Contains(topics[node.Txid], topic) {
			continue
		}
		ptx, err := psbt.NewFromRawBytes(strings.NewReader(node.Tx), true)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connector tx: %s", err)
		}
		if len(ptx.UnsignedTx.TxOut) <= 0 {
			return nil, fmt.Errorf("invalid connector tx %s: missing outputs", node.Txid)
		}
		return &arktx.Connector{
			Outpoint: &wire.OutPoint{Hash: ptx.UnsignedTx.TxHash(), Index: 0},
			TxOut:    ptx.UnsignedTx.TxOut[0],
		}, nil
	}
	return nil, fmt.Errorf("missing connector for vtxo %s", outpoint)
}

func addSignatureToTxTree(
	event client.TreeSignatureEvent, txTree *tree.TxTree,
) error {
	if event.BatchIndex != 0 {
		return fmt.Errorf("batch index %d is not 0", event.BatchIndex)
	}

	decodedSig, err := hex.DecodeString(event.Signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %s", err)
	}

	sig, err := schnorr.ParseSignature(decodedSig)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %s", err)
	}

	return txTree.Apply(func(g *tree.TxTree) (bool, error) {
		if g.Root.UnsignedTx.TxID() != event.Txid {
			return true, nil
		}

		g.Root.Inputs[0].TaprootKeySpendSig = sig.Serialize()
		return false, nil
	})
}

func batchExpiryLocktime(expiry int64) (arklib.RelativeLocktime, error) {
	if expiry <= 0 {
		return arklib.RelativeLocktime{}, fmt.Errorf("invalid batch expiry %d", expiry)
	}
	return relativeLocktime(expiry)
}

func eventBatchId(event any) (string, bool) {
	switch e := event.(type) {
	case client.BatchStartedEvent:
		return e.Id, true
	case client.BatchFinalizationEvent:
		return e.Id, true
	case client.BatchFinalizedEvent:
		return e.Id, true
	case client.BatchFailedEvent:
		return e.Id, true
	case client.TreeSigningStartedEvent:
		return e.Id, true
	case client.TreeNoncesAggregatedEvent:
		return e.Id, true
	case client.TreeNoncesEvent:
		return e.Id, true
	case client.TreeTxEvent:
		return e.Id, true
	case client.TreeSignatureEvent:
		return e.Id, true
	default:
		return "", false
	}
}
