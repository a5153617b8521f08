package webhooks

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"strings"
)

// VerifySubscription answers the Meta webhook subscription handshake. It
// returns the hub.challenge value to echo when the verify token matches.
func VerifySubscription(query url.Values, verifyToken string) (string, error) {
	expected := strings.TrimSpace(verifyToken)
	if expected == "" {
		return "", fmt.Errorf("webhooks: subscription verify token is not configured")
	}
	if mode := strings.TrimSpace(query.Get("hub.mode")); mode != "subscribe" {
		return "", fmt.Errorf("webhooks: unsupported hub.mode %q", mode)
	}
	actual := strings.TrimSpace(query.Get("hub.verify_token"))
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return "", fmt.Errorf("webhooks: subscription verify token mismatch")
	}
	challenge := query.Get("hub.challenge")
	if strings.TrimSpace(challenge) == "" {
		return "", fmt.Errorf("webhooks: hub.challenge is required")
	}
	return challenge, nil
}
