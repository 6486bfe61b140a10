package filestore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	walletstore "github.com/arkade-os/go-ark-client/wallet/singlekey/store"
	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	filename = "wallet.json"
)

type walletData struct {
	EncryptedPrvkey string `json:"encrypted_private_key"`
	PasswordHash    string `json:"password_hash"`
	PubKey          string `json:"pubkey"`
}

func (d walletData) isEmpty() bool {
	return d == walletData{}
}

func (d walletData) decode() (*walletstore.WalletData, error) {
	encryptedPrvkey, err := hex.DecodeString(d.EncryptedPrvkey)
	if err != nil {
		return nil, fmt.Errorf("invalid encrypted private key: %s", err)
	}
	passwordHash, err := hex.DecodeString(d.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("invalid password hash: %s", err)
	}
	buf, err := hex.DecodeString(d.PubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %s", err)
	}
	pubkey, err := btcec.ParsePubKey(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %s", err)
	}
	return &walletstore.WalletData{
		EncryptedPrvkey: encryptedPrvkey,
		PasswordHash:    passwordHash,
		PubKey:          pubkey,
	}, nil
}

type fileStore struct {
	lock     *sync.Mutex
	filePath string
}

func NewWalletStore(baseDir string) (walletstore.WalletStore, error) {
	datadir := cleanAndExpandPath(baseDir)
	if err := makeDirectoryIfNotExists(datadir); err != nil {
		return nil, fmt.Errorf("failed to initialize datadir: %s", err)
	}
	filePath := filepath.Join(datadir, filename)

	store := &fileStore{&sync.Mutex{}, filePath}
	if _, err := store.open(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *fileStore) AddWallet(data walletstore.WalletData) error {
	if data.PubKey == nil {
		return fmt.Errorf("missing pubkey")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	wd := walletData{
		EncryptedPrvkey: hex.EncodeToString(data.EncryptedPrvkey),
		PasswordHash:    hex.EncodeToString(data.PasswordHash),
		PubKey:          hex.EncodeToString(data.PubKey.SerializeCompressed()),
	}
	if err := s.write(wd); err != nil {
		return fmt.Errorf("failed to write to file store: %s", err)
	}
	return nil
}

func (s *fileStore) GetWallet() (*walletstore.WalletData, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	wd, err := s.open()
	if err != nil {
		return nil, err
	}
	if wd.isEmpty() {
		return nil, nil
	}
	return wd.decode()
}

func (s *fileStore) open() (walletData, error) {
	file, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return walletData{}, fmt.Errorf("failed to open file store: %s", err)
		}
		if err := s.write(walletData{}); err != nil {
			return walletData{}, fmt.Errorf("failed to initialize file store: %s", err)
		}
		return walletData{}, nil
	}

	data := walletData{}
	if err := json.Unmarshal(file, &data); err != nil {
		return walletData{}, fmt.Errorf("failed to read file store: %s", err)
	}
	return data, nil
}

func (s *fileStore) write(data walletData) error {
	buf, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, buf, 0600)
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
