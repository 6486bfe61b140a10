package store

import "github.com/btcsuite/btcd/btcec/v2"

type WalletData struct {
	EncryptedPrvkey []byte
	PasswordHash    []byte
	PubKey          *btcec.PublicKey
}

// WalletStore persists the encrypted key of a single key wallet. GetWallet
// returns nil when nothing was stored yet.
type WalletStore interface {
	AddWallet(data WalletData) error
	GetWallet() (*WalletData, error)
}
