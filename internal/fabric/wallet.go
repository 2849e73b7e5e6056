package fabric

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ibn-ledger/gateway/internal/securestore"
)

var ErrIdentityNotFound = errors.New("fabric: identity not found")

// Wallet stores per-user signing credentials as encrypted files under one
// directory. A blank passphrase disables the wallet entirely.
type Wallet struct {
	dir        string
	passphrase string
}

type walletRecord struct {
	MSPID       string `json:"mspId"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"privateKey"`
}

func NewWallet(dir, passphrase string) *Wallet {
	dir = strings.TrimSpace(dir)
	passphrase = strings.TrimSpace(passphrase)
	if dir == "" || passphrase == "" {
		return nil
	}
	return &Wallet{dir: dir, passphrase: passphrase}
}

func (w *Wallet) Put(userID string, creds Credentials) error {
	if w == nil {
		return errors.New("fabric: wallet not configured")
	}
	path, err := w.pathFor(userID)
	if err != nil {
		return err
	}
	rec := walletRecord{
		MSPID:       creds.MSPID,
		Certificate: string(creds.Certificate),
		PrivateKey:  string(creds.PrivateKey),
	}
	return securestore.WriteEncryptedJSON(path, w.passphrase, rec)
}

func (w *Wallet) Get(userID string) (Credentials, error) {
	if w == nil {
		return Credentials{}, ErrIdentityNotFound
	}
	path, err := w.pathFor(userID)
	if err != nil {
		return Credentials{}, err
	}
	var rec walletRecord
	if err := securestore.ReadDecryptedJSON(path, w.passphrase, &rec); err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, userID)
		}
		return Credentials{}, err
	}
	return Credentials{
		MSPID:       rec.MSPID,
		Certificate: []byte(rec.Certificate),
		PrivateKey:  []byte(rec.PrivateKey),
	}, nil
}

func (w *Wallet) List() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".id") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".id"))
	}
	return ids, nil
}

func (w *Wallet) pathFor(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.ContainsAny(userID, `/\.`) {
		return "", fmt.Errorf("fabric: invalid wallet user id %q", userID)
	}
	return filepath.Join(w.dir, userID+".id"), nil
}
