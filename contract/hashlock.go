package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lntypes"
)

type HashLockType string

const (
	HashLockSha256  HashLockType = "Sha256"
	HashLockHash160 HashLockType = "Hash160"
)

func (t HashLockType) hash(preimage []byte) ([]byte, error) {
	switch t {
	case HashLockSha256:
		h := sha256.Sum256(preimage)
		return h[:], nil
	case HashLockHash160:
		return btcutil.Hash160(preimage), nil
	default:
		return nil, fmt.Errorf("unknown hash lock type %s", t)
	}
}

func (t HashLockType) opcode() (byte, error) {
	switch t {
	case HashLockSha256:
		return txscript.OP_SHA256, nil
	case HashLockHash160:
		return txscript.OP_HASH160, nil
	default:
		return 0, fmt.Errorf("unknown hash lock type %s", t)
	}
}

// hashLockCondition returns OP_<HASH> <hash> OP_EQUAL.
func hashLockCondition(t HashLockType, hash []byte) ([]byte, error) {
	op, err := t.opcode()
	if err != nil {
		return nil, err
	}
	return txscript.NewScriptBuilder().
		AddOp(op).
		AddData(hash).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// HashLockedPayment can be claimed collaboratively by revealing the preimage.
type HashLockedPayment struct {
	ServerKey    *btcec.PublicKey
	User         *btcec.PublicKey
	ExitDelay    arklib.RelativeLocktime
	Preimage     lntypes.Preimage
	HashLockType HashLockType
}

func NewHashLockedPayment(
	server, user *btcec.PublicKey, exitDelay arklib.RelativeLocktime,
	preimage lntypes.Preimage, hashLockType HashLockType,
) (*HashLockedPayment, error) {
	if server == nil {
		return nil, fmt.Errorf("missing server key")
	}
	if _, err := hashLockType.opcode(); err != nil {
		return nil, err
	}
	if _, err := arklib.BIP68Sequence(exitDelay); err != nil {
		return nil, fmt.Errorf("invalid exit delay: %s", err)
	}
	return &HashLockedPayment{
		ServerKey:    server,
		User:         user,
		ExitDelay:    exitDelay,
		Preimage:     preimage,
		HashLockType: hashLockType,
	}, nil
}

func (h *HashLockedPayment) Type() Type { return TypeHashLockedPayment }

func (h *HashLockedPayment) Server() *btcec.PublicKey { return h.ServerKey }

func (h *HashLockedPayment) Hash() ([]byte, error) {
	return h.HashLockType.hash(h.Preimage[:])
}

func (h *HashLockedPayment) ClaimClosure() (*script.ConditionMultisigClosure, error) {
	if h.User == nil {
		return nil, fmt.Errorf("user key is required for claim leaf")
	}
	hash, err := h.Hash()
	if err != nil {
		return nil, err
	}
	condition, err := hashLockCondition(h.HashLockType, hash)
	if err != nil {
		return nil, err
	}
	return &script.ConditionMultisigClosure{
		Condition: condition,
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{h.User, h.ServerKey},
		},
	}, nil
}

func (h *HashLockedPayment) UnilateralClosure() (*script.CSVMultisigClosure, error) {
	if h.User == nil {
		return nil, fmt.Errorf("user key is required for unilateral leaf")
	}
	return &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{h.User},
		},
		Locktime: h.ExitDelay,
	}, nil
}

func (h *HashLockedPayment) Tapscripts() ([]string, error) {
	claim, err := h.ClaimClosure()
	if err != nil {
		return nil, err
	}
	unilateral, err := h.UnilateralClosure()
	if err != nil {
		return nil, err
	}
	return encodeClosures([]script.Closure{claim, unilateral})
}

func (h *HashLockedPayment) Fields() []Field {
	fields := []Field{
		{"exit_delay", mustSequence(h.ExitDelay)},
		{"preimage", hex.EncodeToString(h.Preimage[:])},
		{"hash_lock_type", string(h.HashLockType)},
	}
	if h.User != nil {
		fields = append(fields, Field{"user", encodeKey(h.User)})
	}
	return append(fields, Field{"server", encodeKey(h.ServerKey)})
}

func (h *HashLockedPayment) SpendingPaths() ([]SpendingPath, error) {
	claim, err := h.ClaimClosure()
	if err != nil {
		return nil, err
	}
	claimScript, err := claim.Script()
	if err != nil {
		return nil, err
	}
	unilateral, err := h.UnilateralClosure()
	if err != nil {
		return nil, err
	}
	unilateralScript, err := unilateral.Script()
	if err != nil {
		return nil, err
	}
	exitDelay := h.ExitDelay
	return []SpendingPath{
		{
			Name:             "claim",
			Collaborative:    true,
			Script:           claimScript,
			ConditionWitness: [][]byte{h.Preimage[:]},
		},
		{Name: "unilateral", Script: unilateralScript, Sequence: &exitDelay},
	}, nil
}

func (h *HashLockedPayment) sealed() {}

type hashLockedFields struct {
	ExitDelay    uint32 `field:"exit_delay"`
	Preimage     string `field:"preimage"`
	HashLockType string `field:"hash_lock_type"`
	User         string `field:"user"`
	Server       string `field:"server"`
}

func parseHashLockedPayment(fields map[string]string) (Contract, error) {
	var f hashLockedFields
	if err := decodeFields(
		fields, &f, "exit_delay", "preimage", "hash_lock_type", "server",
	); err != nil {
		return nil, err
	}
	server, err := parseKey("server", f.Server)
	if err != nil {
		return nil, err
	}
	user, err := parseOptionalKey("user", f.User)
	if err != nil {
		return nil, err
	}
	exitDelay, err := decodeSequence(f.ExitDelay)
	if err != nil {
		return nil, err
	}
	preimage, err := lntypes.MakePreimageFromStr(f.Preimage)
	if err != nil {
		return nil, fmt.Errorf("invalid preimage: %s", err)
	}
	return NewHashLockedPayment(
		server, user, exitDelay, preimage, HashLockType(f.HashLockType),
	)
}
