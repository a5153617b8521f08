package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goliatone/go-chatflow/core"
)

const (
	ProviderWhatsAppCloud = "whatsapp_cloud"
	ProviderGreenAPI      = "green_api"
	ProviderGeneric       = "generic"

	GenericSignatureHeader = "X-Chatflow-Signature"
)

// ProviderWebhookTemplate binds a provider hint to the verifier its
// deliveries are checked with.
type ProviderWebhookTemplate struct {
	ProviderID string
	Verifier   core.SignatureVerifier
}

// Option registers the template verifier on a core service.
func (t ProviderWebhookTemplate) Option() core.Option {
	return core.WithSignatureVerifier(t.ProviderID, t.Verifier)
}

type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if header == "" {
		return fmt.Errorf("webhooks: %s signature header is required", strings.TrimSpace(v.Header))
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := strings.TrimPrefix(header, strings.TrimSpace(v.Prefix))
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("webhooks: signature value is required")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(req.Body)
	expected := mac.Sum(nil)

	var (
		decoded []byte
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return fmt.Errorf("webhooks: decode signature: %w", err)
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}

// HeaderTokenVerifier compares a shared token carried in a header. Prefix
// is stripped first, so "Bearer " style values work.
type HeaderTokenVerifier struct {
	Header string
	Prefix string
	Token  string
}

func (v HeaderTokenVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return fmt.Errorf("webhooks: verification token is required")
	}
	actual := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if actual == "" {
		return fmt.Errorf("webhooks: %s verification header is required", strings.TrimSpace(v.Header))
	}
	if prefix := strings.TrimSpace(v.Prefix); prefix != "" {
		if len(actual) < len(prefix) || !strings.EqualFold(actual[:len(prefix)], prefix) {
			return fmt.Errorf("webhooks: %s verification header must start with %q", strings.TrimSpace(v.Header), prefix)
		}
		actual = strings.TrimSpace(actual[len(prefix):])
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("webhooks: verification token mismatch")
	}
	return nil
}

// NewWhatsAppCloudWebhookTemplate checks Meta's X-Hub-Signature-256 header,
// an HMAC-SHA256 of the body keyed with the app secret.
func NewWhatsAppCloudWebhookTemplate(appSecret string) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		ProviderID: ProviderWhatsAppCloud,
		Verifier: HeaderHMACVerifier{
			Header:   "X-Hub-Signature-256",
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(appSecret),
			Encoding: "hex",
		},
	}
}

// NewGreenAPIWebhookTemplate checks the webhookUrlToken GreenAPI sends as
// a bearer authorization header.
func NewGreenAPIWebhookTemplate(token string) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		ProviderID: ProviderGreenAPI,
		Verifier: HeaderTokenVerifier{
			Header: "Authorization",
			Prefix: "Bearer",
			Token:  strings.TrimSpace(token),
		},
	}
}

func NewGenericWebhookTemplate(secret string) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		ProviderID: ProviderGeneric,
		Verifier: HeaderHMACVerifier{
			Header:   GenericSignatureHeader,
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
	}
}

// Secrets holds per-provider shared secrets. Empty entries register no
// verifier for that provider.
type Secrets struct {
	WhatsAppAppSecret string
	GreenAPIToken     string
	GenericSecret     string
}

func Templates(secrets Secrets) []ProviderWebhookTemplate {
	var out []ProviderWebhookTemplate
	if strings.TrimSpace(secrets.WhatsAppAppSecret) != "" {
		out = append(out, NewWhatsAppCloudWebhookTemplate(secrets.WhatsAppAppSecret))
	}
	if strings.TrimSpace(secrets.GreenAPIToken) != "" {
		out = append(out, NewGreenAPIWebhookTemplate(secrets.GreenAPIToken))
	}
	if strings.TrimSpace(secrets.GenericSecret) != "" {
		out = append(out, NewGenericWebhookTemplate(secrets.GenericSecret))
	}
	return out
}

// Options turns templates into core service options.
func Options(templates ...ProviderWebhookTemplate) []core.Option {
	out := make([]core.Option, 0, len(templates))
	for _, template := range templates {
		if template.Verifier == nil {
			continue
		}
		out = append(out, template.Option())
	}
	return out
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
