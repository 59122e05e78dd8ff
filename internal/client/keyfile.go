package client

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aspect-build/pqattest/internal/crypto"
)

// EnvMasterKey names the hex AES-256 key that seals secret keys on disk.
const EnvMasterKey = "PQATTEST_MASTER_KEY"

// ErrMasterKeyRequired is returned when an encrypted key file is loaded
// without a master key.
var ErrMasterKeyRequired = errors.New("key file is encrypted; set " + EnvMasterKey)

// KeyFile holds a device identity: its signing key pair and an optional
// KEM key pair used to open sealed challenges.
type KeyFile struct {
	DeviceID      string `json:"device_id"`
	SignAlgorithm string `json:"sign_algorithm"`
	SignPublicKey []byte `json:"sign_public_key"`
	SignSecretKey []byte `json:"sign_secret_key"`
	KEMAlgorithm  string `json:"kem_algorithm,omitempty"`
	KEMPublicKey  []byte `json:"kem_public_key,omitempty"`
	KEMSecretKey  []byte `json:"kem_secret_key,omitempty"`
	Encrypted     bool   `json:"encrypted"`
}

// NewDeviceID returns 16 random bytes as lowercase hex.
func NewDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateKeyFile creates fresh key pairs. kemAlg may be empty. An empty
// deviceID gets a random one.
func GenerateKeyFile(p crypto.Provider, deviceID, signAlg, kemAlg string) (*KeyFile, error) {
	if deviceID == "" {
		id, err := NewDeviceID()
		if err != nil {
			return nil, err
		}
		deviceID = id
	}
	sign, err := p.GenerateKeyPair(signAlg)
	if err != nil {
		return nil, err
	}
	kf := &KeyFile{
		DeviceID:      deviceID,
		SignAlgorithm: sign.Algorithm,
		SignPublicKey: sign.PublicKey,
		SignSecretKey: sign.SecretKey,
	}
	if kemAlg != "" {
		kem, err := p.GenerateKeyPair(kemAlg)
		if err != nil {
			return nil, err
		}
		kf.KEMAlgorithm = kem.Algorithm
		kf.KEMPublicKey = kem.PublicKey
		kf.KEMSecretKey = kem.SecretKey
	}
	return kf, nil
}

func label(deviceID, alg string) string {
	return "pqattest/" + deviceID + "/" + alg
}

// Save writes the key file with mode 0600. With a master key the secret
// keys are sealed; the public halves stay readable.
func (k *KeyFile) Save(path string, masterKey *[32]byte) error {
	out := *k
	out.Encrypted = false
	if masterKey != nil {
		sk, err := crypto.EncryptAtRest(*masterKey, label(k.DeviceID, k.SignAlgorithm), k.SignSecretKey)
		if err != nil {
			return fmt.Errorf("seal signing key: %w", err)
		}
		out.SignSecretKey = sk
		if len(k.KEMSecretKey) > 0 {
			sk, err := crypto.EncryptAtRest(*masterKey, label(k.DeviceID, k.KEMAlgorithm), k.KEMSecretKey)
			if err != nil {
				return fmt.Errorf("seal kem key: %w", err)
			}
			out.KEMSecretKey = sk
		}
		out.Encrypted = true
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads a key file, unsealing its secret keys with masterKey
// when the file is encrypted.
func LoadKeyFile(path string, masterKey *[32]byte) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var k KeyFile
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if k.DeviceID == "" || k.SignAlgorithm == "" || len(k.SignSecretKey) == 0 {
		return nil, fmt.Errorf("key file %s is missing device_id, sign_algorithm or sign_secret_key", path)
	}
	if !k.Encrypted {
		return &k, nil
	}
	if masterKey == nil {
		return nil, ErrMasterKeyRequired
	}
	sk, err := crypto.DecryptAtRest(*masterKey, label(k.DeviceID, k.SignAlgorithm), k.SignSecretKey)
	if err != nil {
		return nil, fmt.Errorf("unseal signing key: %w", err)
	}
	k.SignSecretKey = sk
	if len(k.KEMSecretKey) > 0 {
		sk, err := crypto.DecryptAtRest(*masterKey, label(k.DeviceID, k.KEMAlgorithm), k.KEMSecretKey)
		if err != nil {
			return nil, fmt.Errorf("unseal kem key: %w", err)
		}
		k.KEMSecretKey = sk
	}
	k.Encrypted = false
	return &k, nil
}

// MasterKeyFromEnv returns the master key from PQATTEST_MASTER_KEY, or nil
// when it is unset.
func MasterKeyFromEnv() (*[32]byte, error) {
	v := os.Getenv(EnvMasterKey)
	if v == "" {
		return nil, nil
	}
	key, err := crypto.ParseMasterKey(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvMasterKey, err)
	}
	return &key, nil
}
