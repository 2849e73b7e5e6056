package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadDecryptedJSON reads an encrypted file and unmarshals its plaintext into v.
func ReadDecryptedJSON(path, secret string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	plain, err := Decrypt(secret, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, v)
}

// WriteEncryptedJSON marshals, encrypts and writes JSON payload atomically enough for credential snapshots.
func WriteEncryptedJSON(path, secret string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(secret, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}
