package crypto

import (
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// BLAKE3File computes the BLAKE3 hash of a file.
func BLAKE3File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// BLAKE3Bytes computes the BLAKE3 hash of an in-memory buffer.
func BLAKE3Bytes(data []byte) string {
	hasher := blake3.New()
	hasher.Write(data)
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// LoadIdentity reads an age X25519 identity from a key file.
func LoadIdentity(path string) (age.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity: %w", err)
		}
		return identity, nil
	}
	return nil, fmt.Errorf("no identity found in %s", path)
}

// ReadSecretFile reads a credential file. Files with an .age suffix are
// decrypted in memory with the given identity; nothing plaintext ever
// touches the disk.
func ReadSecretFile(path string, identity age.Identity) (string, error) {
	if !strings.HasSuffix(path, ".age") {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if identity == nil {
		return "", fmt.Errorf("secret file %s is age-encrypted but no identity is configured", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open secret file: %w", err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, identity)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", path, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read decrypted secret: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
