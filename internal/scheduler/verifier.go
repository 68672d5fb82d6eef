// Package scheduler verifies trigger requests from the hosted cron scheduler.
// The scheduler signs each delivery with a JWT over the request URL and body,
// rotating between a current and a next signing key.
package scheduler

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidSignature = errors.New("invalid scheduler signature")

type Verifier struct {
	currentKey string
	nextKey    string
}

func NewVerifier(currentKey, nextKey string) *Verifier {
	return &Verifier{
		currentKey: currentKey,
		nextKey:    nextKey,
	}
}

// Verify checks the signature against the current key first, then the next
// key, so deliveries signed during a key rotation still pass.
func (v *Verifier) Verify(signature, requestURL string, body []byte) error {
	if strings.TrimSpace(signature) == "" {
		return ErrInvalidSignature
	}

	var lastErr error
	for _, key := range []string{v.currentKey, v.nextKey} {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if err := v.verifyWithKey(signature, requestURL, body, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
	}
	return ErrInvalidSignature
}

func (v *Verifier) verifyWithKey(signature, requestURL string, body []byte, key string) error {
	token, err := jwt.Parse(signature, func(token *jwt.Token) (any, error) {
		return []byte(key), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("unexpected claims type")
	}

	sub, _ := claims["sub"].(string)
	if sub != requestURL {
		return fmt.Errorf("subject %q does not match request URL", sub)
	}

	bodyClaim, _ := claims["body"].(string)
	if bodyClaim != BodyHash(body) {
		return fmt.Errorf("body hash mismatch")
	}

	return nil
}

// BodyHash is the base64url-encoded SHA-256 digest the scheduler signs over.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.URLEncoding.EncodeToString(sum[:])
}
