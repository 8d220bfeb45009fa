// Package host implements the GitHub host API client: App credential
// handling, per-request installation tokens, and the REST operations the
// controllers need (issues, labels, contents, refs, pulls).
package host

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appJWTLifetime is the validity window of a GitHub App JWT.
const appJWTLifetime = 10 * time.Minute

// AppCredentials holds the GitHub App identity used to mint installation
// tokens.
type AppCredentials struct {
	AppID int64
	key   *rsa.PrivateKey
}

// NewAppCredentials parses the App's RSA private key. PKCS#1
// ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") PEM inputs are both
// accepted; the body may additionally arrive base64-wrapped or with escaped
// newlines, as environments tend to deliver it.
func NewAppCredentials(appID int64, pemInput string) (*AppCredentials, error) {
	if appID <= 0 {
		return nil, fmt.Errorf("app id is required")
	}
	key, err := parsePrivateKey(normalizePEM(pemInput))
	if err != nil {
		return nil, err
	}
	return &AppCredentials{AppID: appID, key: key}, nil
}

// normalizePEM undoes the common transport manglings: escaped newlines and
// whole-body base64 wrapping.
func normalizePEM(input string) []byte {
	s := strings.TrimSpace(input)
	s = strings.ReplaceAll(s, `\n`, "\n")
	if !strings.Contains(s, "-----BEGIN") {
		if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && strings.Contains(string(decoded), "-----BEGIN") {
			return decoded
		}
	}
	return []byte(s)
}

// pkcs8 is the PrivateKeyInfo envelope of RFC 5208.
type pkcs8 struct {
	Version    int
	Algo       pkix.AlgorithmIdentifier
	PrivateKey []byte
}

var oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

// wrapPKCS1 wraps a PKCS#1 RSAPrivateKey DER in the PKCS#8 envelope so one
// parser handles both inputs.
func wrapPKCS1(der []byte) ([]byte, error) {
	return asn1.Marshal(pkcs8{
		Version: 0,
		Algo: pkix.AlgorithmIdentifier{
			Algorithm:  oidRSAEncryption,
			Parameters: asn1.NullRawValue,
		},
		PrivateKey: der,
	})
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key input")
	}

	der := block.Bytes
	if block.Type == "RSA PRIVATE KEY" {
		wrapped, err := wrapPKCS1(der)
		if err != nil {
			return nil, fmt.Errorf("wrap PKCS#1 key: %w", err)
		}
		der = wrapped
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// AppJWT mints the short-lived RS256 JWT that authenticates the App itself:
// iat = now, exp = now + 600 s, iss = app id.
func (c *AppCredentials) AppJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
		Issuer:    strconv.FormatInt(c.AppID, 10),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken exchanges the App JWT for a short-lived installation
// token. Tokens are minted once per request and not cached.
func (c *AppCredentials) InstallationToken(ctx context.Context, httpClient *http.Client, baseURL string, installationID int64) (string, error) {
	appJWT, err := c.AppJWT(time.Now())
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange installation token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("installation token exchange failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("installation token response had no token")
	}
	return out.Token, nil
}
