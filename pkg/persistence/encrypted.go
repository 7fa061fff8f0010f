package persistence

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptedProvider wraps another Provider, encrypting the
// ContextData field at rest with ChaCha20-Poly1305 before delegating
// to the inner Provider. ActiveStates and HistoryMemory are left in
// the clear since they carry no host secrets and the admin surface
// needs to read them without the key.
type EncryptedProvider struct {
	inner Provider
	aead  interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewEncryptedProvider builds an EncryptedProvider from a 32-byte key.
func NewEncryptedProvider(inner Provider, key []byte) (*EncryptedProvider, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("persistence: init cipher: %w", err)
	}
	return &EncryptedProvider{inner: inner, aead: aead}, nil
}

type encryptedBlob struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func (e *EncryptedProvider) Save(ctx context.Context, snap Snapshot) error {
	plaintext, err := json.Marshal(snap.ContextData)
	if err != nil {
		return err
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sealed := e.aead.Seal(nil, nonce, plaintext, []byte(snap.MachineID))

	blob, err := json.Marshal(encryptedBlob{Nonce: nonce, Ciphertext: sealed})
	if err != nil {
		return err
	}
	redacted := snap
	redacted.ContextData = map[string]any{"_encrypted": string(blob)}
	return e.inner.Save(ctx, redacted)
}

func (e *EncryptedProvider) Load(ctx context.Context, machineID string) (Snapshot, bool, error) {
	snap, ok, err := e.inner.Load(ctx, machineID)
	if err != nil || !ok {
		return snap, ok, err
	}
	encoded, ok := snap.ContextData["_encrypted"].(string)
	if !ok {
		return snap, true, nil
	}
	var blob encryptedBlob
	if err := json.Unmarshal([]byte(encoded), &blob); err != nil {
		return Snapshot{}, false, err
	}
	plaintext, err := e.aead.Open(nil, blob.Nonce, blob.Ciphertext, []byte(machineID))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("persistence: decrypt snapshot: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return Snapshot{}, false, err
	}
	snap.ContextData = data
	return snap, true, nil
}

func (e *EncryptedProvider) Delete(ctx context.Context, machineID string) error {
	return e.inner.Delete(ctx, machineID)
}

func (e *EncryptedProvider) List(ctx context.Context) ([]string, error) {
	return e.inner.List(ctx)
}
