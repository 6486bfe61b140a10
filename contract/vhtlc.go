package contract

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
)

const hash160Len = 20

// VHTLC is a virtual hash time locked contract between a sender and a
// receiver.
//
// Collaborative leaves: claim (receiver+server, preimage), refund
// (sender+receiver+server) and refund without receiver (sender+server after
// RefundLocktime). Unilateral leaves: claim (receiver, preimage), refund
// (sender+receiver) and refund without receiver (sender), each after its own
// delay.
type VHTLC struct {
	Sender                               *btcec.PublicKey
	Receiver                             *btcec.PublicKey
	ServerKey                            *btcec.PublicKey
	PreimageHash                         []byte
	RefundLocktime                       arklib.AbsoluteLocktime
	UnilateralClaimDelay                 arklib.RelativeLocktime
	UnilateralRefundDelay                arklib.RelativeLocktime
	UnilateralRefundWithoutReceiverDelay arklib.RelativeLocktime
	// Preimage is known only by the receiver once revealed.
	Preimage *lntypes.Preimage
}

func (v *VHTLC) validate() error {
	if v.Sender == nil || v.Receiver == nil || v.ServerKey == nil {
		return fmt.Errorf("sender, receiver and server are required")
	}
	if len(v.PreimageHash) != hash160Len {
		return fmt.Errorf("preimage hash must be %d bytes", hash160Len)
	}
	if v.RefundLocktime == 0 {
		return fmt.Errorf("refund locktime must be greater than 0")
	}
	for _, delay := range []arklib.RelativeLocktime{
		v.UnilateralClaimDelay,
		v.UnilateralRefundDelay,
		v.UnilateralRefundWithoutReceiverDelay,
	} {
		if delay.Value == 0 {
			return fmt.Errorf("unilateral delays must be greater than 0")
		}
		if _, err := arklib.BIP68Sequence(delay); err != nil {
			return err
		}
	}
	if v.Preimage != nil {
		if !bytes.Equal(btcutil.Hash160(v.Preimage[:]), v.PreimageHash) {
			return fmt.Errorf("preimage does not match preimage hash")
		}
	}
	return nil
}

func NewVHTLC(v VHTLC) (*VHTLC, error) {
	if err := v.validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

func (v *VHTLC) Type() Type { return TypeVHTLC }

func (v *VHTLC) Server() *btcec.PublicKey { return v.ServerKey }

func (v *VHTLC) preimageCondition() ([]byte, error) {
	return hashLockCondition(HashLockHash160, v.PreimageHash)
}

func (v *VHTLC) ClaimClosure() (*script.ConditionMultisigClosure, error) {
	condition, err := v.preimageCondition()
	if err != nil {
		return nil, err
	}
	return &script.ConditionMultisigClosure{
		Condition: condition,
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{v.Receiver, v.ServerKey},
		},
	}, nil
}

func (v *VHTLC) RefundClosure() *script.MultisigClosure {
	return &script.MultisigClosure{
		PubKeys: []*btcec.PublicKey{v.Sender, v.Receiver, v.ServerKey},
	}
}

func (v *VHTLC) RefundWithoutReceiverClosure() *script.CLTVMultisigClosure {
	return &script.CLTVMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{v.Sender, v.ServerKey},
		},
		Locktime: v.RefundLocktime,
	}
}

func (v *VHTLC) UnilateralClaimClosure() (*script.ConditionCSVMultisigClosure, error) {
	condition, err := v.preimageCondition()
	if err != nil {
		return nil, err
	}
	return &script.ConditionCSVMultisigClosure{
		CSVMultisigClosure: script.CSVMultisigClosure{
			MultisigClosure: script.MultisigClosure{
				PubKeys: []*btcec.PublicKey{v.Receiver},
			},
			Locktime: v.UnilateralClaimDelay,
		},
		Condition: condition,
	}, nil
}

func (v *VHTLC) UnilateralRefundClosure() *script.CSVMultisigClosure {
	return &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{v.Sender, v.Receiver},
		},
		Locktime: v.UnilateralRefundDelay,
	}
}

func (v *VHTLC) UnilateralRefundWithoutReceiverClosure() *script.CSVMultisigClosure {
	return &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{v.Sender},
		},
		Locktime: v.UnilateralRefundWithoutReceiverDelay,
	}
}

func (v *VHTLC) closures() ([]script.Closure, error) {
	claim, err := v.ClaimClosure()
	if err != nil {
		return nil, err
	}
	unilateralClaim, err := v.UnilateralClaimClosure()
	if err != nil {
		return nil, err
	}
	return []script.Closure{
		claim,
		v.RefundClosure(),
		v.RefundWithoutReceiverClosure(),
		unilateralClaim,
		v.UnilateralRefundClosure(),
		v.UnilateralRefundWithoutReceiverClosure(),
	}, nil
}

func (v *VHTLC) Tapscripts() ([]string, error) {
	closures, err := v.closures()
	if err != nil {
		return nil, err
	}
	return encodeClosures(closures)
}

func (v *VHTLC) Fields() []Field {
	fields := []Field{
		{"sender", encodeKey(v.Sender)},
		{"receiver", encodeKey(v.Receiver)},
		{"server", encodeKey(v.ServerKey)},
		{"hash", hex.EncodeToString(v.PreimageHash)},
		{"refund_locktime", strconv.FormatUint(uint64(v.RefundLocktime), 10)},
		{"unilateral_claim_delay", mustSequence(v.UnilateralClaimDelay)},
		{"unilateral_refund_delay", mustSequence(v.UnilateralRefundDelay)},
		{
			"unilateral_refund_without_receiver_delay",
			mustSequence(v.UnilateralRefundWithoutReceiverDelay),
		},
	}
	if v.Preimage != nil {
		fields = append(fields, Field{"preimage", v.Preimage.String()})
	}
	return fields
}

// ClaimLeaf is the collaborative claim path, it requires the preimage.
func (v *VHTLC) ClaimLeaf() (SpendingPath, error) {
	if v.Preimage == nil {
		return SpendingPath{}, fmt.Errorf("preimage is required to claim")
	}
	claim, err := v.ClaimClosure()
	if err != nil {
		return SpendingPath{}, err
	}
	s, err := claim.Script()
	if err != nil {
		return SpendingPath{}, err
	}
	return SpendingPath{
		Name:             "claim",
		Collaborative:    true,
		Script:           s,
		ConditionWitness: [][]byte{v.Preimage[:]},
	}, nil
}

func (v *VHTLC) RefundLeaf() (SpendingPath, error) {
	s, err := v.RefundClosure().Script()
	if err != nil {
		return SpendingPath{}, err
	}
	return SpendingPath{Name: "refund", Collaborative: true, Script: s}, nil
}

func (v *VHTLC) RefundWithoutReceiverLeaf() (SpendingPath, error) {
	s, err := v.RefundWithoutReceiverClosure().Script()
	if err != nil {
		return SpendingPath{}, err
	}
	locktime := v.RefundLocktime
	return SpendingPath{
		Name:          "refund_without_receiver",
		Collaborative: true,
		Script:        s,
		Locktime:      &locktime,
	}, nil
}

func (v *VHTLC) UnilateralClaimLeaf() (SpendingPath, error) {
	if v.Preimage == nil {
		return SpendingPath{}, fmt.Errorf("preimage is required to claim")
	}
	closure, err := v.UnilateralClaimClosure()
	if err != nil {
		return SpendingPath{}, err
	}
	s, err := closure.Script()
	if err != nil {
		return SpendingPath{}, err
	}
	delay := v.UnilateralClaimDelay
	return SpendingPath{
		Name:             "unilateral_claim",
		Script:           s,
		ConditionWitness: [][]byte{v.Preimage[:]},
		Sequence:         &delay,
	}, nil
}

func (v *VHTLC) UnilateralRefundLeaf() (SpendingPath, error) {
	s, err := v.UnilateralRefundClosure().Script()
	if err != nil {
		return SpendingPath{}, err
	}
	delay := v.UnilateralRefundDelay
	return SpendingPath{Name: "unilateral_refund", Script: s, Sequence: &delay}, nil
}

func (v *VHTLC) UnilateralRefundWithoutReceiverLeaf() (SpendingPath, error) {
	s, err := v.UnilateralRefundWithoutReceiverClosure().Script()
	if err != nil {
		return SpendingPath{}, err
	}
	delay := v.UnilateralRefundWithoutReceiverDelay
	return SpendingPath{
		Name:     "unilateral_refund_without_receiver",
		Script:   s,
		Sequence: &delay,
	}, nil
}

// SpendingPaths lists claim paths first when the preimage is known, then
// the refund paths.
func (v *VHTLC) SpendingPaths() ([]SpendingPath, error) {
	builders := make([]func() (SpendingPath, error), 0, 6)
	if v.Preimage != nil {
		builders = append(builders, v.ClaimLeaf)
	}
	builders = append(builders, v.RefundLeaf, v.RefundWithoutReceiverLeaf)
	if v.Preimage != nil {
		builders = append(builders, v.UnilateralClaimLeaf)
	}
	builders = append(
		builders, v.UnilateralRefundLeaf, v.UnilateralRefundWithoutReceiverLeaf,
	)

	paths := make([]SpendingPath, 0, len(builders))
	for _, build := range builders {
		path, err := build()
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (v *VHTLC) sealed() {}

type vhtlcFields struct {
	Sender                               string `field:"sender"`
	Receiver                             string `field:"receiver"`
	Server                               string `field:"server"`
	Hash                                 string `field:"hash"`
	RefundLocktime                       uint32 `field:"refund_locktime"`
	UnilateralClaimDelay                 uint32 `field:"unilateral_claim_delay"`
	UnilateralRefundDelay                uint32 `field:"unilateral_refund_delay"`
	UnilateralRefundWithoutReceiverDelay uint32 `field:"unilateral_refund_without_receiver_delay"`
	Preimage                             string `field:"preimage"`
}

func parseVHTLC(fields map[string]string) (Contract, error) {
	var f vhtlcFields
	if err := decodeFields(
		fields, &f, "sender", "receiver", "server", "hash", "refund_locktime",
		"unilateral_claim_delay", "unilateral_refund_delay",
		"unilateral_refund_without_receiver_delay",
	); err != nil {
		return nil, err
	}

	sender, err := parseKey("sender", f.Sender)
	if err != nil {
		return nil, err
	}
	receiver, err := parseKey("receiver", f.Receiver)
	if err != nil {
		return nil, err
	}
	server, err := parseKey("server", f.Server)
	if err != nil {
		return nil, err
	}
	hash, err := parseHex("hash", f.Hash)
	if err != nil {
		return nil, err
	}

	delays := make([]arklib.RelativeLocktime, 0, 3)
	for _, sequence := range []uint32{
		f.UnilateralClaimDelay,
		f.UnilateralRefundDelay,
		f.UnilateralRefundWithoutReceiverDelay,
	} {
		delay, err := decodeSequence(sequence)
		if err != nil {
			return nil, err
		}
		delays = append(delays, delay)
	}

	var preimage *lntypes.Preimage
	if f.Preimage != "" {
		p, err := lntypes.MakePreimageFromStr(f.Preimage)
		if err != nil {
			return nil, fmt.Errorf("invalid preimage: %s", err)
		}
		preimage = &p
	}

	return NewVHTLC(VHTLC{
		Sender:                               sender,
		Receiver:                             receiver,
		ServerKey:                            server,
		PreimageHash:                         hash,
		RefundLocktime:                       arklib.AbsoluteLocktime(f.RefundLocktime),
		UnilateralClaimDelay:                 delays[0],
		UnilateralRefundDelay:                delays[1],
		UnilateralRefundWithoutReceiverDelay: delays[2],
		Preimage:                             preimage,
	})
}
