package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// SecretKeyEnv holds the 32-byte key (raw or base64) for encrypted config values.
const SecretKeyEnv = "DOCFLOW_CONFIG_KEY"

// encryptedPrefix marks a config value sealed with SecretCipher.
const encryptedPrefix = "enc:"

var ErrInvalidCiphertext = errors.New("invalid secret ciphertext")

// SecretCipher seals config secrets with AES-GCM.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipherFromEnv builds a cipher from SecretKeyEnv.
func NewSecretCipherFromEnv() (*SecretCipher, error) {
	raw := strings.TrimSpace(os.Getenv(SecretKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s not set", SecretKeyEnv)
	}
	return NewSecretCipher(raw)
}

func NewSecretCipher(rawKey string) (*SecretCipher, error) {
	key, err := decodeKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", SecretKeyEnv, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &SecretCipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

// Seal returns the value in the "enc:" form accepted in config.json.
func (c *SecretCipher) Seal(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the prefix are returned unchanged.
func (c *SecretCipher) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}

// openSecrets decrypts every sealed secret in cfg. The key is only
// required when at least one value is sealed.
func openSecrets(cfg *Config) error {
	fields := []*string{
		&cfg.ObjectStore.SigningSecret,
		&cfg.ObjectStore.AccessKey,
		&cfg.ObjectStore.SecretKey,
		&cfg.Redis.Password,
	}
	dbs := make(map[string]*DatabaseConfig, len(cfg.Databases))
	for name, db := range cfg.Databases {
		dbs[name] = &db
		fields = append(fields, &db.Password)
	}
	providers := make(map[string]*ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		providers[name] = &p
		fields = append(fields, &p.APIKey)
	}

	var c *SecretCipher
	for _, f := range fields {
		if !IsSealed(*f) {
			continue
		}
		if c == nil {
			var err error
			if c, err = NewSecretCipherFromEnv(); err != nil {
				return err
			}
		}
		plain, err := c.Open(*f)
		if err != nil {
			return err
		}
		*f = plain
	}
	for name, db := range dbs {
		cfg.Databases[name] = *db
	}
	for name, p := range providers {
		cfg.Providers[name] = *p
	}
	return nil
}
