package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/scrypt"

	"github.com/perimetric/periscope/errext"
)

const (
	ivSize   = 16
	saltSize = 16
	keySize  = 32

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// Encryptor encrypts and decrypts secret values with AES-256-GCM. The wire
// form of an encrypted value is hex(iv):hex(authTag):hex(ciphertext).
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a 256-bit key from secret and salt with scrypt and
// returns an encryptor bound to it.
func NewEncryptor(secret string, salt []byte) (*Encryptor, error) {
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plain and encodes the result. Encrypting an empty string
// returns an empty string.
func (e *Encryptor) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}
	sealed := e.aead.Seal(nil, iv, []byte(plain), nil)
	tagAt := len(sealed) - e.aead.Overhead()
	ciphertext, tag := sealed[:tagAt], sealed[tagAt:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Values that are not in the encrypted form are
// returned unchanged, so configs written before encryption was enabled keep
// working.
func (e *Encryptor) Decrypt(value string) (string, error) {
	iv, tag, ciphertext, ok := splitEncrypted(value)
	if !ok {
		return value, nil
	}
	if len(iv) != ivSize {
		return "", errext.New(errext.KindConfigInvalid, "encrypted value has a %d-byte iv, want %d", len(iv), ivSize)
	}
	plain, err := e.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", errext.WithKind(fmt.Errorf("decrypting value: %w", err), errext.KindConfigInvalid)
	}
	return string(plain), nil
}

// IsEncrypted reports whether value is in the encrypted wire form: exactly
// three colon-separated hex parts.
func IsEncrypted(value string) bool {
	_, _, _, ok := splitEncrypted(value)
	return ok
}

func splitEncrypted(value string) (iv, tag, ciphertext []byte, ok bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, nil, nil, false
	}
	var err error
	if iv, err = hex.DecodeString(parts[0]); err != nil || len(iv) == 0 {
		return nil, nil, nil, false
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil || len(tag) == 0 {
		return nil, nil, nil, false
	}
	if ciphertext, err = hex.DecodeString(parts[2]); err != nil || len(ciphertext) == 0 {
		return nil, nil, nil, false
	}
	return iv, tag, ciphertext, true
}

// MachineSecret returns the host-bound secret the encryption key is derived
// from. It deliberately avoids anything interactive: configs must be
// readable by unattended sessions.
func MachineSecret() string {
	host, err := os.Hostname()
	if err != nil {
		host = "periscope"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return host + ":" + home
}

// LoadOrCreateSalt reads the salt file, creating it with fresh random bytes
// when missing.
func LoadOrCreateSalt(fs afero.Fs, path string) ([]byte, error) {
	salt, err := afero.ReadFile(fs, path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, errext.New(errext.KindConfigInvalid, "salt file %s holds %d bytes, want %d", path, len(salt), saltSize)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, errext.WithKind(fmt.Errorf("reading salt file: %w", err), errext.KindConfigIO)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	if err := afero.WriteFile(fs, path, salt, fileMode); err != nil {
		return nil, errext.WithKind(fmt.Errorf("writing salt file: %w", err), errext.KindConfigIO)
	}
	return salt, nil
}
