// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Identity seals and opens secrets with one age x25519 keypair.
type Identity struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// Generate returns a new random identity.
func Generate() (*Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}
	return &Identity{identity: identity, recipient: identity.Recipient()}, nil
}

// Parse reads an identity in AGE-SECRET-KEY-1... form.
func Parse(key string) (*Identity, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("sealed: invalid identity: %w", err)
	}
	return &Identity{identity: identity, recipient: identity.Recipient()}, nil
}

// PublicKey returns the age1... recipient string. Safe to log.
func (i *Identity) PublicKey() string {
	return i.recipient.String()
}

// Seal encrypts plaintext to the identity.
func (i *Identity) Seal(plaintext []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := age.Encrypt(&buffer, i.recipient)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing: %w", err)
	}
	return buffer.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal.
func (i *Identity) Open(ciphertext []byte) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), i.identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	return plaintext, nil
}

// SealString is Seal with base64 ciphertext, for text columns.
func (i *Identity) SealString(plaintext string) (string, error) {
	ciphertext, err := i.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// OpenString reverses SealString.
func (i *Identity) OpenString(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("sealed: decoding base64 ciphertext: %w", err)
	}
	plaintext, err := i.Open(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// LoadOrCreate returns the identity stored at path, generating and
// writing a new one (mode 0600) if the file does not exist. Concurrent
// callers in different processes all end up with the identity of
// whichever one created the file first.
func LoadOrCreate(path string) (*Identity, error) {
	identity, err := load(path)
	if !errors.Is(err, fs.ErrNotExist) {
		return identity, err
	}

	identity, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sealed: creating identity directory: %w", err)
	}
	temporary, err := os.CreateTemp(filepath.Dir(path), ".identity-*")
	if err != nil {
		return nil, fmt.Errorf("sealed: writing identity: %w", err)
	}
	defer os.Remove(temporary.Name())
	contents := fmt.Sprintf("# public key: %s\n%s\n", identity.PublicKey(), identity.identity.String())
	if _, err := temporary.WriteString(contents); err != nil {
		temporary.Close()
		return nil, fmt.Errorf("sealed: writing identity: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return nil, fmt.Errorf("sealed: writing identity: %w", err)
	}

	// A hard link fails if path already exists, so the first writer wins
	// and later writers load its file.
	if err := os.Link(temporary.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return load(path)
		}
		return nil, fmt.Errorf("sealed: installing identity: %w", err)
	}
	return identity, nil
}

func load(path string) (*Identity, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("sealed: reading identity: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return Parse(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sealed: reading identity: %w", err)
	}
	return nil, fmt.Errorf("sealed: %s holds no identity", path)
}
