package tunnel

import (
	"bytes"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/perimetric/periscope/errext"
)

// ExpandHome replaces a leading ~ in path with the current user's home
// directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// LoadPrivateKey reads and parses a private key file. Key encryption is
// detected up front so the caller fails before any network dial when a
// passphrase is missing.
func LoadPrivateKey(fs afero.Fs, path, passphrase string) (ssh.Signer, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return nil, errext.WithKind(err, errext.KindAuth)
	}

	data, err := afero.ReadFile(fs, expanded)
	if err != nil {
		return nil, errext.WithKind(fmt.Errorf("reading private key %s: %w", expanded, err), errext.KindAuth)
	}

	if !bytes.Contains(data, []byte("-----BEGIN ")) {
		return nil, errext.New(errext.KindAuth, "private key %s does not contain PEM boundaries", expanded)
	}

	if isEncryptedKey(data) && passphrase == "" {
		return nil, errext.WithHint(
			errext.New(errext.KindAuthEncryptedKey, "private key %s is encrypted and no passphrase was provided", expanded),
			"add a passphrase to the connection",
		)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		if _, missing := err.(*ssh.PassphraseMissingError); missing {
			return nil, errext.WithKind(err, errext.KindAuthEncryptedKey)
		}
		return nil, errext.WithKind(fmt.Errorf("parsing private key %s: %w", expanded, err), errext.KindAuth)
	}
	return signer, nil
}

// isEncryptedKey reports whether the PEM content is passphrase-protected.
// Classic PEM keys carry a Proc-Type: 4,ENCRYPTED header; OpenSSH format
// keys embed the cipher and kdf names (aes*, bcrypt) in the base64 body.
func isEncryptedKey(data []byte) bool {
	block, _ := pem.Decode(data)
	if block == nil {
		return false
	}
	if strings.Contains(block.Headers["Proc-Type"], "4,ENCRYPTED") {
		return true
	}
	if block.Type == "OPENSSH PRIVATE KEY" {
		return bytes.Contains(block.Bytes, []byte("aes")) || bytes.Contains(block.Bytes, []byte("bcrypt"))
	}
	return false
}
