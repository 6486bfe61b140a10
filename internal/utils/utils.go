package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/pbkdf2"
)

// CoinSelect picks coins, the ones expiring first, until amount plus the fee
// of every selected input is covered. If the change would be below dust the
// next coin is added, or the change is dropped when there's none left.
func CoinSelect(
	coins []types.Coin, amount, dust uint64,
	inputFee func(types.Coin) (uint64, error), changeFee func(uint64) (uint64, error),
) ([]types.Coin, uint64, error) {
	selected, notSelected := make([]types.Coin, 0), make([]types.Coin, 0)
	selectedAmount := uint64(0)

	coins = SortCoinsByExpiry(coins)

	for _, coin := range coins {
		if selectedAmount >= amount {
			notSelected = append(notSelected, coin)
			continue
		}

		selected = append(selected, coin)
		selectedAmount += coin.Amount
		if inputFee != nil {
			fees, err := inputFee(coin)
			if err != nil {
				return nil, 0, err
			}
			amount += fees
		}
	}

	if selectedAmount < amount {
		return nil, 0, fmt.Errorf("not enough funds to cover amount %d", amount)
	}

	change := selectedAmount - amount

	if changeFee != nil && change > 0 {
		fees, err := changeFee(change)
		if err != nil {
			return nil, 0, err
		}
		if fees >= change {
			change = 0
		} else {
			change -= fees
		}
	}

	if change < dust {
		if len(notSelected) > 0 {
			selected = append(selected, notSelected[0])
			change += notSelected[0].Amount

			if inputFee != nil {
				fees, err := inputFee(notSelected[0])
				if err != nil {
					return nil, 0, err
				}
				if fees >= change {
					change = 0
				} else {
					change -= fees
				}
			}
		}
		if change < dust {
			change = 0
		}
	}

	return selected, change, nil
}

func NetworkFromString(net string) arklib.Network {
	switch net {
	case arklib.BitcoinTestNet.Name:
		return arklib.BitcoinTestNet
	case arklib.BitcoinTestNet4.Name:
		return arklib.BitcoinTestNet4
	case arklib.BitcoinSigNet.Name:
		return arklib.BitcoinSigNet
	case arklib.BitcoinMutinyNet.Name:
		return arklib.BitcoinMutinyNet
	case arklib.BitcoinRegTest.Name:
		return arklib.BitcoinRegTest
	case arklib.Bitcoin.Name:
		fallthrough
	default:
		return arklib.Bitcoin
	}
}

func ToBitcoinNetwork(net arklib.Network) chaincfg.Params {
	switch net.Name {
	case arklib.Bitcoin.Name:
		return chaincfg.MainNetParams
	case arklib.BitcoinTestNet.Name:
		return chaincfg.TestNet3Params
	case arklib.BitcoinSigNet.Name:
		return chaincfg.SigNetParams
	case arklib.BitcoinMutinyNet.Name:
		return arklib.MutinyNetSigNetParams
	case arklib.BitcoinRegTest.Name:
		return chaincfg.RegressionNetParams
	default:
		return chaincfg.MainNetParams
	}
}

func GenerateRandomPrivateKey() (*btcec.PrivateKey, error) {
	prvkey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return prvkey, nil
}

func HashPassword(password []byte) []byte {
	hash := sha256.Sum256(password)
	return hash[:]
}

func EncryptAES256(privateKey, password []byte) ([]byte, error) {
	if len(privateKey) == 0 {
		return nil, fmt.Errorf("missing plaintext private key")
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("missing encryption password")
	}

	key, salt, err := deriveKey(password, nil)
	if err != nil {
		return nil, err
	}

	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, privateKey, nil)
	ciphertext = append(ciphertext, salt...)

	return ciphertext, nil
}

func DecryptAES256(encrypted, password []byte) ([]byte, error) {
	if len(encrypted) == 0 {
		return nil, fmt.Errorf("missing encrypted private key")
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("missing decryption password")
	}
	if len(encrypted) <= 32 {
		return nil, fmt.Errorf("invalid encrypted private key")
	}

	salt := encrypted[len(encrypted)-32:]
	data := encrypted[:len(encrypted)-32]

	key, _, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("invalid encrypted private key")
	}
	nonce, text := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	// #nosec G407
	plaintext, err := gcm.Open(nil, nonce, text, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid password")
	}
	return plaintext, nil
}

var lock = &sync.Mutex{}

// deriveKey derives a 32 byte array key from a custom passhprase
func deriveKey(password, salt []byte) ([]byte, []byte, error) {
	lock.Lock()
	defer lock.Unlock()

	if salt == nil {
		salt = make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, err
		}
	}
	iterations := 10000
	keySize := 32
	key := pbkdf2.Key(password, salt, iterations, keySize, sha256.New)
	return key, salt, nil
}

func GroupBy[T any](items []T, keyFn func(T) string) map[string][]T {
	result := make(map[string][]T)

	for _, item := range items {
		key := keyFn(item)
		result[key] = append(result[key], item)
	}

	return result
}

// IsNearExpiry tells whether a coin expiring either at the given time or at
// the given height is already expired or within the threshold.
func IsNearExpiry(
	expiresAt time.Time, expiresAtHeight uint32, now types.ChainTime,
	timeThreshold time.Duration, heightThreshold uint32,
) bool {
	if !expiresAt.IsZero() {
		return expiresAt.Sub(now.Timestamp) <= timeThreshold
	}
	if expiresAtHeight > 0 && now.Height > 0 {
		return expiresAtHeight <= now.Height+heightThreshold
	}
	return false
}

// SortCoinsByExpiry puts the coins expiring first at the beginning, the ones
// without expiry last.
func SortCoinsByExpiry(coins []types.Coin) []types.Coin {
	sorted := make([]types.Coin, len(coins))
	copy(sorted, coins)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].RawExpiry(), sorted[j].RawExpiry()
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})
	return sorted
}
