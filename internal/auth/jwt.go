package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// The client refreshes ahead of this before every reconnect.
	accessTokenDuration = 15 * time.Minute

	rsaKeyBits = 2048

	privateKeyFile = "jwt_private.pem"
	publicKeyFile  = "jwt_public.pem"
)

// Claims are carried by every access token. UserID is the sender id stamped
// on frames produced by the user's sessions.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"uid"`
	Email  string `json:"email"`
}

// JWTManager issues and verifies RS256 access tokens.
type JWTManager struct {
	signer   *rsa.PrivateKey
	verifier *rsa.PublicKey
	issuer   string
	ttl      time.Duration
	now      func() time.Time
}

func newJWTManager(signer *rsa.PrivateKey, verifier *rsa.PublicKey, issuer string) *JWTManager {
	return &JWTManager{signer: signer, verifier: verifier, issuer: issuer, ttl: accessTokenDuration, now: time.Now}
}

// NewJWTManagerGenerated uses a fresh in-memory key. Tokens die with the
// process.
func NewJWTManagerGenerated(issuer string) (*JWTManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return newJWTManager(key, &key.PublicKey, issuer), nil
}

// NewJWTManagerFromFiles reads a PEM key pair. The private key may be PKCS#1
// or PKCS#8.
func NewJWTManagerFromFiles(privatePath, publicPath, issuer string) (*JWTManager, error) {
	signer, err := readPrivateKey(privatePath)
	if err != nil {
		return nil, err
	}
	verifier, err := readPublicKey(publicPath)
	if err != nil {
		return nil, err
	}
	return newJWTManager(signer, verifier, issuer), nil
}

// LoadOrGenerateJWTManager keeps the key pair under dataDir so issued tokens
// stay valid across restarts. The first start writes a new pair.
func LoadOrGenerateJWTManager(dataDir, issuer string) (*JWTManager, error) {
	privatePath := filepath.Join(dataDir, privateKeyFile)
	publicPath := filepath.Join(dataDir, publicKeyFile)

	_, err := os.Stat(privatePath)
	switch {
	case err == nil:
		return NewJWTManagerFromFiles(privatePath, publicPath, issuer)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("stat %s: %w", privatePath, err)
	}

	m, err := NewJWTManagerGenerated(issuer)
	if err != nil {
		return nil, err
	}
	if err := m.save(dataDir, privatePath, publicPath); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *JWTManager) save(dir, privatePath, publicPath string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	pub, err := m.PublicKeyPEM()
	if err != nil {
		return err
	}
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(m.signer)})
	if err := os.WriteFile(privatePath, priv, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", privatePath, err)
	}
	if err := os.WriteFile(publicPath, pub, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", publicPath, err)
	}
	return nil
}

func readPEM(path string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	return block, nil
}

func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return key, nil
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%s: unexpected PEM type %q", path, block.Type)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA key", path)
	}
	return key, nil
}

func readPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA key", path)
	}
	return key, nil
}

// GenerateAccessToken returns a signed token for the user and its expiry.
func (m *JWTManager) GenerateAccessToken(userID int64, email string) (string, time.Time, error) {
	issued := m.now()
	expires := issued.Add(m.ttl)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		UserID: userID,
		Email:  email,
	}).SignedString(m.signer)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ValidateAccessToken maps every failure onto ErrTokenExpired or
// ErrTokenInvalid.
func (m *JWTManager) ValidateAccessToken(raw string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, m.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil, !token.Valid, claims.UserID <= 0:
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}

func (m *JWTManager) keyFor(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("signing method %v not accepted", t.Header["alg"])
	}
	return m.verifier, nil
}

// PublicKeyPEM encodes the verification key as PKIX PEM.
func (m *JWTManager) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(m.verifier)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
