package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTSigner signs completion payloads as HMAC-SHA256 JWTs. The nonce is bound
// into the claims so a signature can never be replayed for a different run.
type JWTSigner struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

func NewJWTSigner(signingKey string, ttl time.Duration) *JWTSigner {
	return &JWTSigner{
		key:    []byte(signingKey),
		issuer: "answerflow-orchestrator",
		ttl:    ttl,
	}
}

type completionClaims struct {
	jwt.RegisteredClaims
	Nonce      string `json:"nonce"`
	ChatID     string `json:"chat_id"`
	AnswerHash string `json:"answer_hash,omitempty"`
}

// Sign produces the completion signature for a finished run.
func (s *JWTSigner) Sign(ctx context.Context, payload SignPayload) (string, error) {
	now := time.Now()
	claims := completionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   payload.WorkflowID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Nonce:      payload.Nonce,
		ChatID:     payload.ChatID,
		AnswerHash: payload.AnswerHash,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign completion token: %w", err)
	}
	return signed, nil
}

// Verify parses a completion signature and checks it against the expected
// workflow and nonce. Used by persistence verification, not by the
// orchestrator itself.
func (s *JWTSigner) Verify(signature, workflowID, nonce string) error {
	token, err := jwt.ParseWithClaims(signature, &completionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return fmt.Errorf("parse completion signature: %w", err)
	}
	claims, ok := token.Claims.(*completionClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid completion signature")
	}
	if claims.Subject != workflowID {
		return fmt.Errorf("signature bound to workflow %q, expected %q", claims.Subject, workflowID)
	}
	if claims.Nonce != nonce {
		return fmt.Errorf("signature nonce mismatch")
	}
	return nil
}
