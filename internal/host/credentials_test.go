package host

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPEM(t *testing.T, pkcs8 bool) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var block *pem.Block
	if pkcs8 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	} else {
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	}
	return string(pem.EncodeToMemory(block)), key
}

func TestNewAppCredentialsPKCS1(t *testing.T) {
	pemStr, _ := testKeyPEM(t, false)
	creds, err := NewAppCredentials(1234, pemStr)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), creds.AppID)
}

func TestNewAppCredentialsPKCS8(t *testing.T) {
	pemStr, _ := testKeyPEM(t, true)
	_, err := NewAppCredentials(1234, pemStr)
	require.NoError(t, err)
}

func TestNewAppCredentialsEscapedNewlines(t *testing.T) {
	pemStr, _ := testKeyPEM(t, false)
	escaped := strings.ReplaceAll(pemStr, "\n", `\n`)
	_, err := NewAppCredentials(1234, escaped)
	require.NoError(t, err)
}

func TestNewAppCredentialsBase64Wrapped(t *testing.T) {
	pemStr, _ := testKeyPEM(t, false)
	wrapped := base64.StdEncoding.EncodeToString([]byte(pemStr))
	_, err := NewAppCredentials(1234, wrapped)
	require.NoError(t, err)
}

func TestNewAppCredentialsRejectsGarbage(t *testing.T) {
	_, err := NewAppCredentials(1234, "not a key")
	assert.Error(t, err)

	_, err = NewAppCredentials(0, "")
	assert.Error(t, err)
}

func TestAppJWTClaims(t *testing.T) {
	pemStr, key := testKeyPEM(t, false)
	creds, err := NewAppCredentials(4242, pemStr)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signed, err := creds.AppJWT(now)
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)

	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "4242", claims.Issuer)
	assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.Add(10*time.Minute).Unix(), claims.ExpiresAt.Unix())
}
