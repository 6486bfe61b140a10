package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

const (
	SingleKeyWallet = "singlekey"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletLocked   = errors.New("wallet is locked")
)

// Wallet is a signing entity. Every contract, vtxo and intent belongs to
// exactly one wallet, identified by Id.
type Wallet interface {
	Id() string
	GetType() string
	IsLocked() bool
	GetPubKey(ctx context.Context) (*btcec.PublicKey, error)
	// NewPaymentContract derives a payment contract the wallet can spend.
	NewPaymentContract(ctx context.Context, cfg types.Config) (contract.Contract, error)
	// SignTransaction adds the wallet's signatures to every input it owns a
	// leaf key of, leaving existing signatures untouched.
	SignTransaction(ctx context.Context, ptx *psbt.Packet) error
	SignMessage(ctx context.Context, message []byte) (signature string, err error)
	// NewTreeSignerSession returns a musig2 session using the cosigner key
	// advertised in the wallet's intents.
	NewTreeSignerSession(ctx context.Context) (tree.SignerSession, error)
}

type Provider interface {
	GetWallet(ctx context.Context, walletId string) (Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)
}

type registry struct {
	lock    *sync.RWMutex
	wallets map[string]Wallet
	order   []string
}

// NewProvider returns a Provider serving the given wallets.
func NewProvider(wallets ...Wallet) Provider {
	r := &registry{
		lock:    &sync.RWMutex{},
		wallets: make(map[string]Wallet),
	}
	for _, w := range wallets {
		if _, ok := r.wallets[w.Id()]; ok {
			continue
		}
		r.wallets[w.Id()] = w
		r.order = append(r.order, w.Id())
	}
	return r
}

func (r *registry) GetWallet(_ context.Context, walletId string) (Wallet, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	w, ok := r.wallets[walletId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, walletId)
	}
	return w, nil
}

func (r *registry) ListWallets(_ context.Context) ([]Wallet, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]Wallet, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.wallets[id])
	}
	return list, nil
}
