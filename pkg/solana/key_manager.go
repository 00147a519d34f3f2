package solana

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blocto/solana-go-sdk/types"
)

// DefaultKeystoreDir holds one JSON entry per execution wallet.
const DefaultKeystoreDir = "configs/keystore"

const keystoreVersion = 1

// KeyStoreEntry is the on-disk form of an encrypted execution wallet
type KeyStoreEntry struct {
	Address      string `json:"address"`
	EncryptedKey string `json:"encrypted_key"`
	Version      int    `json:"version"`
}

// KeyManager generates execution wallets and keeps them encrypted on disk
type KeyManager struct {
	dir string
}

// NewKeyManager stores entries under dir, or DefaultKeystoreDir when empty.
func NewKeyManager(dir string) *KeyManager {
	if dir == "" {
		dir = DefaultKeystoreDir
	}
	return &KeyManager{dir: dir}
}

func (km *KeyManager) Dir() string {
	return km.dir
}

// GenerateKeyPair generates a new Solana key pair
func (km *KeyManager) GenerateKeyPair() (*types.Account, error) {
	account := types.NewAccount()
	return &account, nil
}

// EncryptPrivateKey encrypts a private key using AES-256-GCM. The nonce is
// prepended to the ciphertext.
func (km *KeyManager) EncryptPrivateKey(privateKey []byte, password string) (string, error) {
	gcm, err := newGCM(password)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, privateKey, nil)), nil
}

// DecryptPrivateKey reverses EncryptPrivateKey
func (km *KeyManager) DecryptPrivateKey(encryptedKey string, password string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	gcm, err := newGCM(password)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(password string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func (km *KeyManager) entryPath(address string) string {
	return filepath.Join(km.dir, address+".json")
}

// SaveKeyStoreEntry encrypts account with password and writes it to
// <dir>/<address>.json.
func (km *KeyManager) SaveKeyStoreEntry(account *types.Account, password string) (string, error) {
	encrypted, err := km.EncryptPrivateKey(account.PrivateKey, password)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt private key: %w", err)
	}
	address := account.PublicKey.ToBase58()
	data, err := json.MarshalIndent(KeyStoreEntry{
		Address:      address,
		EncryptedKey: encrypted,
		Version:      keystoreVersion,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal keystore entry: %w", err)
	}

	if err := os.MkdirAll(km.dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create keystore directory: %w", err)
	}
	path := km.entryPath(address)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write keystore entry: %w", err)
	}
	return path, nil
}

// LoadKeyStoreEntry reads and decrypts the entry for address
func (km *KeyManager) LoadKeyStoreEntry(address string, password string) (*types.Account, error) {
	data, err := os.ReadFile(km.entryPath(address))
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore entry: %w", err)
	}
	var entry KeyStoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keystore entry: %w", err)
	}
	if entry.Address != address {
		return nil, fmt.Errorf("address mismatch: expected %s, got %s", address, entry.Address)
	}

	privateKey, err := km.DecryptPrivateKey(entry.EncryptedKey, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private key: %w", err)
	}
	account, err := types.AccountFromBytes(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create account from private key: %w", err)
	}
	if got := account.PublicKey.ToBase58(); got != address {
		return nil, fmt.Errorf("keystore entry %s decrypts to %s", address, got)
	}
	return &account, nil
}

// LoadWallet loads the execution wallet used to sign SDK service requests.
func (km *KeyManager) LoadWallet(address, password string) (*Wallet, error) {
	account, err := km.LoadKeyStoreEntry(address, password)
	if err != nil {
		return nil, err
	}
	return NewWallet(*account), nil
}

// GetSolanaAddressFromPrivateKey returns the Solana address for a private key
func (km *KeyManager) GetSolanaAddressFromPrivateKey(privateKey []byte) (string, error) {
	account, err := types.AccountFromBytes(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to create account from private key: %w", err)
	}
	return account.PublicKey.ToBase58(), nil
}

// deriveKey creates a 32-byte key from a password using SHA-256
func deriveKey(password string) []byte {
	hash := sha256.Sum256([]byte(password))
	return hash[:]
}

// Wallet signs SDK service requests with the execution wallet's key. It
// satisfies meteora.RequestSigner.
type Wallet struct {
	account types.Account
}

func NewWallet(account types.Account) *Wallet {
	return &Wallet{account: account}
}

func (w *Wallet) Address() string {
	return w.account.PublicKey.ToBase58()
}

// Sign returns the ed25519 signature of message.
func (w *Wallet) Sign(message []byte) []byte {
	return w.account.Sign(message)
}
