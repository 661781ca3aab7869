package dispatch

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// SignatureHeader carries an HS256 JWT proving the challenge came from this engine.
const SignatureHeader = "X-Autonomy-Signature"

const signatureIssuer = "helm.autonomy"

// AgentSigningKey derives the per-agent HMAC key from the engine secret, so
// a key handed to one agent cannot sign challenges for another.
func AgentSigningKey(secret []byte, agentID string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte("helm-autonomy-webhook"), []byte(agentID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}

// ChallengeClaims binds a signature to one challenge for one agent.
type ChallengeClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id,omitempty"`
}

func signChallenge(secret []byte, agentID, challengeID, sessionID string, now time.Time, ttl time.Duration) (string, error) {
	key, err := AgentSigningKey(secret, agentID)
	if err != nil {
		return "", err
	}
	claims := ChallengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        challengeID, // JTI
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    signatureIssuer,
		},
		SessionID: sessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// VerifySignature checks a signature header value with the agent's signing
// key. Agent-side integrations use it to reject forged challenges.
func VerifySignature(key []byte, token string) (*ChallengeClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &ChallengeClaims{}, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(signatureIssuer))
	if err != nil {
		return nil, fmt.Errorf("invalid challenge signature: %w", err)
	}
	claims, ok := parsed.Claims.(*ChallengeClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
