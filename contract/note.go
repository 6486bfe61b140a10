package contract

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

// Note is a bearer contract: a single sha256 hash lock leaf, no keys.
type Note struct {
	Preimage lntypes.Preimage
}

func NewNote(preimage lntypes.Preimage) *Note {
	return &Note{Preimage: preimage}
}

func (n *Note) Type() Type { return TypeNote }

func (n *Note) Server() *btcec.PublicKey { return nil }

func (n *Note) Hash() lntypes.Hash {
	return n.Preimage.Hash()
}

// Outpoint is the virtual outpoint of the note, (hash, 0).
func (n *Note) Outpoint() wire.OutPoint {
	hash := n.Hash()
	return wire.OutPoint{Hash: chainhash.Hash(hash), Index: 0}
}

func (n *Note) leaf() ([]byte, error) {
	hash := n.Hash()
	return hashLockCondition(HashLockSha256, hash[:])
}

func (n *Note) Tapscripts() ([]string, error) {
	leaf, err := n.leaf()
	if err != nil {
		return nil, err
	}
	return []string{hex.EncodeToString(leaf)}, nil
}

func (n *Note) Fields() []Field {
	return []Field{{"preimage", n.Preimage.String()}}
}

func (n *Note) SpendingPaths() ([]SpendingPath, error) {
	leaf, err := n.leaf()
	if err != nil {
		return nil, err
	}
	return []SpendingPath{{
		Name:             "note",
		Collaborative:    true,
		Script:           leaf,
		ConditionWitness: [][]byte{n.Preimage[:]},
	}}, nil
}

func (n *Note) sealed() {}

type noteFields struct {
	Preimage string `field:"preimage"`
}

func parseNote(fields map[string]string) (Contract, error) {
	var f noteFields
	if err := decodeFields(fields, &f, "preimage"); err != nil {
		return nil, err
	}
	preimage, err := lntypes.MakePreimageFromStr(f.Preimage)
	if err != nil {
		return nil, fmt.Errorf("invalid preimage: %s", err)
	}
	return NewNote(preimage), nil
}
