package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/arkfee"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
)

const (
	InMemoryStore = "inmemory"
	KVStore       = "kv"
	SQLStore      = "sql"
)

type Config struct {
	ServerUrl           string
	SignerPubKey        *btcec.PublicKey
	ForfeitPubKey       *btcec.PublicKey
	Network             arklib.Network
	SessionDuration     int64
	UnilateralExitDelay arklib.RelativeLocktime
	BoardingExitDelay   arklib.RelativeLocktime
	Dust                uint64
	ForfeitAddress      string
	CheckpointTapscript string
	Fees                FeeInfo
}

func (c Config) CheckpointExitPath() []byte {
	// nolint
	buf, _ := hex.DecodeString(c.CheckpointTapscript)
	return buf
}

// CheckpointExitClosure returns the server unilateral exit leaf every
// checkpoint output commits to.
func (c Config) CheckpointExitClosure() (script.Closure, error) {
	buf := c.CheckpointExitPath()
	if len(buf) <= 0 {
		return nil, fmt.Errorf("missing checkpoint tapscript")
	}
	closure, err := script.DecodeClosure(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint tapscript: %s", err)
	}
	return closure, nil
}

func (c Config) ForfeitPkScript(net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(c.ForfeitAddress, net)
	if err != nil {
		return nil, fmt.Errorf("invalid forfeit address: %s", err)
	}
	return txscript.PayToAddrScript(addr)
}

type FeeInfo struct {
	IntentFees arkfee.Config
	TxFeeRate  float64
}

type Outpoint struct {
	Txid string
	VOut uint32
}

func (v Outpoint) String() string {
	return fmt.Sprintf("%s:%d", v.Txid, v.VOut)
}

func (v Outpoint) ToWire() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(v.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %s", v.Txid, err)
	}
	return wire.NewOutPoint(hash, v.VOut), nil
}

func OutpointFromWire(o wire.OutPoint) Outpoint {
	return Outpoint{Txid: o.Hash.String(), VOut: o.Index}
}

func ParseOutpoint(s string) (Outpoint, error) {
	txid, vout, ok := strings.Cut(s, ":")
	if !ok {
		return Outpoint{}, fmt.Errorf("invalid outpoint %s", s)
	}
	index, err := strconv.ParseUint(vout, 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("invalid outpoint index %s", vout)
	}
	return Outpoint{Txid: txid, VOut: uint32(index)}, nil
}

// Vtxo is the latest known snapshot of a virtual output. Records are never
// mutated in place, a newer snapshot with the same outpoint supersedes them.
type Vtxo struct {
	Outpoint
	Script          string
	Amount          uint64
	CommitmentTxids []string
	CreatedAt       time.Time
	// Only one of ExpiresAt and ExpiresAtHeight is expected to be set.
	ExpiresAt       time.Time
	ExpiresAtHeight uint32
	Preconfirmed    bool
	Swept           bool
	Unrolled        bool
	Spent           bool
	SpentBy         string
	SettledBy       string
	ArkTxid         string
}

func (v Vtxo) String() string {
	// nolint
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func (v Vtxo) IsRecoverable() bool {
	return v.Swept && !v.IsSpent()
}

func (v Vtxo) IsSpent() bool {
	return v.Spent || v.Unrolled || v.SpentBy != "" || v.SettledBy != ""
}

func (v Vtxo) HasExpiry() bool {
	return !v.ExpiresAt.IsZero() || v.ExpiresAtHeight > 0
}

// RawExpiry returns the expiry as a unix timestamp or as a block height,
// whichever is set, 0 otherwise.
func (v Vtxo) RawExpiry() int64 {
	if !v.ExpiresAt.IsZero() {
		return v.ExpiresAt.Unix()
	}
	return int64(v.ExpiresAtHeight)
}

func (v Vtxo) TxOut() (*wire.TxOut, error) {
	pkScript, err := hex.DecodeString(v.Script)
	if err != nil {
		return nil, fmt.Errorf("invalid vtxo script: %s", err)
	}
	amount, err := safecast.ToInt64(v.Amount)
	if err != nil {
		return nil, err
	}
	return &wire.TxOut{Value: amount, PkScript: pkScript}, nil
}

func (v Vtxo) Address(server *btcec.PublicKey, net arklib.Network) (string, error) {
	buf, err := hex.DecodeString(v.Script)
	if err != nil {
		return "", err
	}
	if len(buf) < 34 {
		return "", fmt.Errorf("invalid vtxo script length")
	}
	pubkeyBytes := buf[2:]

	pubkey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return "", err
	}

	a := &arklib.Address{
		HRP:        net.Addr,
		Signer:     server,
		VtxoTapKey: pubkey,
	}

	return a.EncodeV0()
}

type VtxoEventType int

const (
	VtxosAdded VtxoEventType = iota
	VtxosSpent
	VtxosUpdated
)

func (e VtxoEventType) String() string {
	return map[VtxoEventType]string{
		VtxosAdded:   "VTXOS_ADDED",
		VtxosSpent:   "VTXOS_SPENT",
		VtxosUpdated: "VTXOS_UPDATED",
	}[e]
}

type VtxoEvent struct {
	Type  VtxoEventType
	Vtxos []Vtxo
}

type ContractEntity struct {
	Script    string
	Type      string
	Contract  string
	WalletId  string
	Active    bool
	CreatedAt time.Time
}

type ContractEventType int

const (
	ContractsAdded ContractEventType = iota
	ContractsUpdated
)

func (e ContractEventType) String() string {
	return map[ContractEventType]string{
		ContractsAdded:   "CONTRACTS_ADDED",
		ContractsUpdated: "CONTRACTS_UPDATED",
	}[e]
}

type ContractEvent struct {
	Type      ContractEventType
	Contracts []ContractEntity
}

type OutputType int

const (
	OutputVtxo OutputType = iota
	OutputOnchain
)

// Output is a requested output of an intent or of an offchain tx.
type Output struct {
	Type   OutputType
	Amount uint64
	Script []byte
}

func (o Output) TxOut() (*wire.TxOut, error) {
	amount, err := safecast.ToInt64(o.Amount)
	if err != nil {
		return nil, err
	}
	return &wire.TxOut{Value: amount, PkScript: o.Script}, nil
}

func (o Output) ToArkFeeOutput() arkfee.Output {
	return arkfee.Output{
		Amount: o.Amount,
		Script: hex.EncodeToString(o.Script),
	}
}

type Receiver struct {
	To     string
	Amount uint64
}

func (r Receiver) IsOnchain(net *chaincfg.Params) bool {
	_, err := btcutil.DecodeAddress(r.To, net)
	return err == nil
}

func (r Receiver) ToOutput(net *chaincfg.Params) (Output, error) {
	arkAddress, err := arklib.DecodeAddressV0(r.To)
	if err != nil {
		btcAddress, err := btcutil.DecodeAddress(r.To, net)
		if err != nil {
			return Output{}, fmt.Errorf("invalid address %s", r.To)
		}
		pkScript, err := txscript.PayToAddrScript(btcAddress)
		if err != nil {
			return Output{}, err
		}
		return Output{Type: OutputOnchain, Amount: r.Amount, Script: pkScript}, nil
	}

	pkScript, err := script.P2TRScript(arkAddress.VtxoTapKey)
	if err != nil {
		return Output{}, err
	}
	return Output{Type: OutputVtxo, Amount: r.Amount, Script: pkScript}, nil
}

type ChainTime struct {
	Timestamp time.Time
	Height    uint32
}
