package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"

	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/conf"
)

// AES-GCM portions of this file borrow heavily from
// https://github.com/gtank/cryptopasta

// Credentials is one facility's decrypted DHPO login pair. Values are held in
// memory only for the duration of a fetch pass.
type Credentials struct {
	Login    string
	Password string
}

// CredentialStore decrypts facility credentials at rest. Ciphertexts take the
// form nonce|ciphertext|tag; the facility code is bound in as additional
// authenticated data so a ciphertext cannot be replayed across facilities.
type CredentialStore struct {
	key [32]byte
}

func NewCredentialStore() (*CredentialStore, error) {
	raw := conf.GetEnv("CLAIMS_AME_KEY")
	if raw == "" {
		return nil, errors.New("CLAIMS_AME_KEY must be set")
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "CLAIMS_AME_KEY is not valid hex")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("CLAIMS_AME_KEY must be 32 bytes, got %d", len(key))
	}

	cs := &CredentialStore{}
	copy(cs.key[:], key)
	return cs, nil
}

// Resolve returns the decrypted credentials for the facility. A failure to
// decrypt is an authentication failure for the facility, not a transient
// condition; callers must not retry it.
func (cs *CredentialStore) Resolve(facility *models.Facility) (Credentials, error) {
	login, err := cs.decrypt(facility.LoginCipher, facility.Code)
	if err != nil {
		return Credentials{}, &claimserrors.AuthError{FacilityID: facility.Code, Err: err}
	}

	password, err := cs.decrypt(facility.PwdCipher, facility.Code)
	if err != nil {
		return Credentials{}, &claimserrors.AuthError{FacilityID: facility.Code, Err: err}
	}

	return Credentials{Login: string(login), Password: string(password)}, nil
}

// Encrypt seals a plaintext credential for storage. Used by provisioning
// tooling and tests.
func (cs *CredentialStore) Encrypt(plaintext []byte, facilityCode string) ([]byte, error) {
	gcm, err := cs.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, []byte(facilityCode)), nil
}

func (cs *CredentialStore) decrypt(ciphertext []byte, facilityCode string) ([]byte, error) {
	gcm, err := cs.gcm()
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	return gcm.Open(nil,
		ciphertext[:gcm.NonceSize()],
		ciphertext[gcm.NonceSize():],
		[]byte(facilityCode),
	)
}

func (cs *CredentialStore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(cs.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
