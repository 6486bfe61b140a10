package singlekeywallet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	walletstore "github.com/arkade-os/go-ark-client/wallet/singlekey/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

type Wallet struct {
	id          string
	walletStore walletstore.WalletStore

	lock       *sync.RWMutex
	privateKey *btcec.PrivateKey
	walletData *walletstore.WalletData
}

// NewWallet returns a wallet backed by one private key. The store may
// already contain a wallet, in which case only Unlock is needed.
func NewWallet(id string, walletStore walletstore.WalletStore) (*Wallet, error) {
	if id == "" {
		return nil, fmt.Errorf("missing wallet id")
	}
	walletData, err := walletStore.GetWallet()
	if err != nil {
		return nil, err
	}
	return &Wallet{
		id:          id,
		walletStore: walletStore,
		lock:        &sync.RWMutex{},
		walletData:  walletData,
	}, nil
}

func (w *Wallet) Id() string {
	return w.id
}

func (w *Wallet) GetType() string {
	return wallet.SingleKeyWallet
}

// Create stores the given private key (hex or nsec), or a random one if
// none is given, encrypted with password. The wallet is left unlocked.
func (w *Wallet) Create(
	_ context.Context, password, prvkey string,
) (string, error) {
	if len(password) <= 0 {
		return "", fmt.Errorf("missing password")
	}

	var privateKey *btcec.PrivateKey
	if len(prvkey) <= 0 {
		privKey, err := utils.GenerateRandomPrivateKey()
		if err != nil {
			return "", err
		}
		privateKey = privKey
	} else {
		privKey, err := parsePrivateKey(prvkey)
		if err != nil {
			return "", err
		}
		privateKey = privKey
	}

	pwd := []byte(password)
	passwordHash := utils.HashPassword(pwd)
	encryptedPrivateKey, err := utils.EncryptAES256(privateKey.Serialize(), pwd)
	if err != nil {
		return "", err
	}

	walletData := walletstore.WalletData{
		EncryptedPrvkey: encryptedPrivateKey,
		PasswordHash:    passwordHash,
		PubKey:          privateKey.PubKey(),
	}
	if err := w.walletStore.AddWallet(walletData); err != nil {
		return "", err
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	w.walletData = &walletData
	w.privateKey = privateKey

	return hex.EncodeToString(privateKey.Serialize()), nil
}

func (w *Wallet) Lock(_ context.Context) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.walletData == nil {
		return fmt.Errorf("wallet not initialized")
	}

	w.privateKey = nil
	return nil
}

func (w *Wallet) Unlock(
	_ context.Context, password string,
) (bool, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.walletData == nil {
		return false, fmt.Errorf("wallet not initialized")
	}

	if w.privateKey != nil {
		return true, nil
	}

	pwd := []byte(password)
	currentPassHash := utils.HashPassword(pwd)

	if !bytes.Equal(w.walletData.PasswordHash, currentPassHash) {
		return false, fmt.Errorf("invalid password")
	}

	privateKeyBytes, err := utils.DecryptAES256(w.walletData.EncryptedPrvkey, pwd)
	if err != nil {
		return false, err
	}

	w.privateKey, _ = btcec.PrivKeyFromBytes(privateKeyBytes)
	return false, nil
}

func (w *Wallet) IsLocked() bool {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.privateKey == nil
}

func (w *Wallet) Dump(_ context.Context) (string, error) {
	prvkey, err := w.getPrivateKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(prvkey.Serialize()), nil
}

func (w *Wallet) GetPubKey(_ context.Context) (*btcec.PublicKey, error) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	if w.walletData == nil {
		return nil, fmt.Errorf("wallet not initialized")
	}
	return w.walletData.PubKey, nil
}

// NewPaymentContract always returns the same contract, a single key wallet
// has nothing to derive from.
func (w *Wallet) NewPaymentContract(
	ctx context.Context, cfg types.Config,
) (contract.Contract, error) {
	pubkey, err := w.GetPubKey(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.SignerPubKey == nil {
		return nil, fmt.Errorf("missing server signer pubkey")
	}
	return contract.NewPayment(cfg.SignerPubKey, pubkey, cfg.UnilateralExitDelay)
}

func (w *Wallet) SignTransaction(_ context.Context, ptx *psbt.Packet) error {
	prvkey, err := w.getPrivateKey()
	if err != nil {
		return err
	}
	return signTransaction(prvkey, ptx)
}

func (w *Wallet) SignMessage(_ context.Context, message []byte) (string, error) {
	prvkey, err := w.getPrivateKey()
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(message)
	sig, err := schnorr.Sign(prvkey, hash[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

func (w *Wallet) NewTreeSignerSession(_ context.Context) (tree.SignerSession, error) {
	prvkey, err := w.getPrivateKey()
	if err != nil {
		return nil, err
	}
	return tree.NewTreeSignerSession(prvkey), nil
}

func (w *Wallet) getPrivateKey() (*btcec.PrivateKey, error) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	if w.walletData == nil {
		return nil, fmt.Errorf("wallet not initialized")
	}
	if w.privateKey == nil {
		return nil, wallet.ErrWalletLocked
	}
	return w.privateKey, nil
}

func parsePrivateKey(prvkey string) (*btcec.PrivateKey, error) {
	var buf []byte
	if strings.HasPrefix(prvkey, "nsec") {
		hrp, data, err := bech32.Decode(prvkey)
		if err != nil {
			return nil, fmt.Errorf("invalid nsec format: %w", err)
		}
		if hrp != "nsec" {
			return nil, fmt.Errorf("invalid nsec prefix")
		}
		converted, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return nil, fmt.Errorf("failed to convert bits: %w", err)
		}
		buf = converted
	} else {
		decoded, err := hex.DecodeString(prvkey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %s", err)
		}
		buf = decoded
	}
	if len(buf) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key length")
	}
	privateKey, _ := btcec.PrivKeyFromBytes(buf)
	return privateKey, nil
}
