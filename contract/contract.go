// Package contract models the taproot script contracts that lock vtxos.
//
// Every contract is a closed set of variants (Payment, HashLockedPayment,
// VHTLC, Note and Generic) that can regenerate its exact list of tapscript
// leaves, derive its address and round-trip through the string encoding
//
//	arkcontract=<type>&key=value&...
package contract

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/waddrmgr"
)

type Type string

const (
	TypePayment           Type = "Payment"
	TypeHashLockedPayment Type = "HashLockPaymentContract"
	TypeVHTLC             Type = "vhtlc"
	TypeNote              Type = "arknote"
	TypeGeneric           Type = "generic"

	prefix = "arkcontract"
)

var (
	ErrUnknownType         = errors.New("unknown contract type")
	ErrMissingServerKey    = errors.New("contract has no server key")
	ErrUnableToSignGeneric = errors.New("unable to sign generic contract")
	ErrLeafNotFound        = errors.New("leaf not found in contract")
)

// Contract is implemented only by the variants of this package.
type Contract interface {
	Type() Type
	// Server returns the server key, nil for notes.
	Server() *btcec.PublicKey
	// Tapscripts returns the hex encoded leaf scripts in tree order.
	Tapscripts() ([]string, error)
	// Fields returns the ordered key/value pairs of the string encoding.
	Fields() []Field
	// SpendingPaths returns the leaves the contract can be spent with, in
	// order of preference.
	SpendingPaths() ([]SpendingPath, error)

	sealed()
}

type Field struct {
	Key   string
	Value string
}

// SpendingPath is a leaf of a contract together with whatever the leaf
// requires besides signatures.
type SpendingPath struct {
	Name             string
	Collaborative    bool
	Script           []byte
	ConditionWitness [][]byte
	Locktime         *arklib.AbsoluteLocktime
	Sequence         *arklib.RelativeLocktime
}

func Encode(c Contract) string {
	parts := make([]string, 0, len(c.Fields())+1)
	parts = append(parts, fmt.Sprintf("%s=%s", prefix, c.Type()))
	for _, f := range c.Fields() {
		parts = append(parts, fmt.Sprintf("%s=%s", f.Key, f.Value))
	}
	return strings.Join(parts, "&")
}

func Parse(s string) (Contract, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("invalid contract format, must start with %s", prefix)
	}

	fields := make(map[string]string)
	for _, kv := range strings.Split(s, "&") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid contract field %q", kv)
		}
		if _, ok := fields[key]; ok {
			return nil, fmt.Errorf("duplicated contract field %s", key)
		}
		fields[key] = value
	}

	contractType, ok := fields[prefix]
	if !ok || contractType == "" {
		return nil, fmt.Errorf("missing contract type")
	}
	delete(fields, prefix)

	return ParseFields(Type(contractType), fields)
}

func ParseFields(contractType Type, fields map[string]string) (Contract, error) {
	switch contractType {
	case TypePayment:
		return parsePayment(fields)
	case TypeHashLockedPayment:
		return parseHashLockedPayment(fields)
	case TypeVHTLC:
		return parseVHTLC(fields)
	case TypeNote:
		return parseNote(fields)
	case TypeGeneric:
		return parseGeneric(fields)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, contractType)
	}
}

func TapKey(c Contract) (*btcec.PublicKey, error) {
	tree, err := tapTree(c)
	if err != nil {
		return nil, err
	}
	root := tree.RootNode.TapHash()
	return txscript.ComputeTaprootOutputKey(script.UnspendableKey(), root[:]), nil
}

func PkScript(c Contract) ([]byte, error) {
	tapKey, err := TapKey(c)
	if err != nil {
		return nil, err
	}
	return script.P2TRScript(tapKey)
}

func Script(c Contract) (string, error) {
	pkScript, err := PkScript(c)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pkScript), nil
}

func Address(c Contract, net arklib.Network) (string, error) {
	if c.Server() == nil {
		return "", ErrMissingServerKey
	}
	tapKey, err := TapKey(c)
	if err != nil {
		return "", err
	}
	addr := &arklib.Address{
		HRP:        net.Addr,
		Signer:     c.Server(),
		VtxoTapKey: tapKey,
	}
	return addr.EncodeV0()
}

// LeafProof returns the control block of the given leaf of the contract.
func LeafProof(c Contract, leaf []byte) (*waddrmgr.Tapscript, error) {
	tree, err := tapTree(c)
	if err != nil {
		return nil, err
	}
	leafHash := txscript.NewBaseTapLeaf(leaf).TapHash()
	index, ok := tree.LeafProofIndex[leafHash]
	if !ok {
		return nil, ErrLeafNotFound
	}
	proof := tree.LeafMerkleProofs[index]
	ctrlBlock := proof.ToControlBlock(script.UnspendableKey())
	return &waddrmgr.Tapscript{
		ControlBlock:   &ctrlBlock,
		RevealedScript: proof.Script,
	}, nil
}

func Entity(c Contract, walletId string, active bool) (types.ContractEntity, error) {
	pkScript, err := Script(c)
	if err != nil {
		return types.ContractEntity{}, err
	}
	return types.ContractEntity{
		Script:    pkScript,
		Type:      string(c.Type()),
		Contract:  Encode(c),
		WalletId:  walletId,
		Active:    active,
		CreatedAt: time.Now(),
	}, nil
}

func FromEntity(entity types.ContractEntity) (Contract, error) {
	c, err := Parse(entity.Contract)
	if err != nil {
		return nil, err
	}
	if string(c.Type()) != entity.Type {
		return nil, fmt.Errorf(
			"contract type mismatch, got %s expected %s", c.Type(), entity.Type,
		)
	}
	return c, nil
}

func tapTree(c Contract) (*txscript.IndexedTapScriptTree, error) {
	tapscripts, err := c.Tapscripts()
	if err != nil {
		return nil, err
	}
	if len(tapscripts) <= 0 {
		return nil, fmt.Errorf("contract %s has no leaves", c.Type())
	}
	leaves := make([]txscript.TapLeaf, 0, len(tapscripts))
	for _, tapscript := range tapscripts {
		buf, err := hex.DecodeString(tapscript)
		if err != nil {
			return nil, fmt.Errorf("invalid tapscript %s: %s", tapscript, err)
		}
		leaves = append(leaves, txscript.NewBaseTapLeaf(buf))
	}
	return txscript.AssembleTaprootScriptTree(leaves...), nil
}

// encodeClosures serializes closures and checks the contract exposes both a
// collaborative and a unilateral leaf.
func encodeClosures(closures []script.Closure) ([]string, error) {
	vtxoScript := &script.TapscriptsVtxoScript{Closures: closures}
	if len(vtxoScript.ForfeitClosures()) <= 0 {
		return nil, fmt.Errorf("at least one collaborative path is required")
	}
	if len(vtxoScript.ExitClosures()) <= 0 {
		return nil, fmt.Errorf("at least one unilateral path is required")
	}
	return vtxoScript.Encode()
}
