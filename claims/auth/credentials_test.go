package auth

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testStore(t *testing.T) *CredentialStore {
	t.Helper()
	t.Setenv("CLAIMS_AME_KEY", testKey)
	cs, err := NewCredentialStore()
	require.NoError(t, err)
	return cs
}

func TestNewCredentialStoreKeyValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"notHex", "zz" + testKey[2:]},
		{"tooShort", testKey[:32]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(sub *testing.T) {
			sub.Setenv("CLAIMS_AME_KEY", tt.key)
			_, err := NewCredentialStore()
			assert.Error(sub, err)
		})
	}
}

func TestResolveRoundTrip(t *testing.T) {
	cs := testStore(t)

	login, err := cs.Encrypt([]byte("facility-login"), "DHA-F-0001")
	require.NoError(t, err)
	pwd, err := cs.Encrypt([]byte("s3cret"), "DHA-F-0001")
	require.NoError(t, err)

	creds, err := cs.Resolve(&models.Facility{
		Code:        "DHA-F-0001",
		LoginCipher: login,
		PwdCipher:   pwd,
	})
	require.NoError(t, err)
	assert.Equal(t, "facility-login", creds.Login)
	assert.Equal(t, "s3cret", creds.Password)
}

func TestResolveRejectsForeignFacilityCiphertext(t *testing.T) {
	cs := testStore(t)

	login, err := cs.Encrypt([]byte("facility-login"), "DHA-F-0001")
	require.NoError(t, err)
	pwd, err := cs.Encrypt([]byte("s3cret"), "DHA-F-0001")
	require.NoError(t, err)

	// Same key, different facility code: the AAD binding must refuse it.
	_, err = cs.Resolve(&models.Facility{
		Code:        "DHA-F-0002",
		LoginCipher: login,
		PwdCipher:   pwd,
	})
	require.Error(t, err)

	var authErr *claimserrors.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "DHA-F-0002", authErr.FacilityID)
}

func TestResolveTruncatedCiphertext(t *testing.T) {
	cs := testStore(t)

	_, err := cs.Resolve(&models.Facility{
		Code:        "DHA-F-0001",
		LoginCipher: []byte{0x01, 0x02},
		PwdCipher:   []byte{0x01, 0x02},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "too short"))
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	cs := testStore(t)

	a, err := cs.Encrypt([]byte("same"), "DHA-F-0001")
	require.NoError(t, err)
	b, err := cs.Encrypt([]byte("same"), "DHA-F-0001")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
