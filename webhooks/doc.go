// Package webhooks verifies inbound provider deliveries before they reach
// the chatflow pipeline.
//
// Each supported provider has a template binding its hint to a verifier:
// WhatsApp Cloud signs bodies with HMAC-SHA256 in X-Hub-Signature-256,
// GreenAPI sends a bearer token, and the generic schema uses an HMAC in
// X-Chatflow-Signature. Templates register on a core.Service through
// core.WithSignatureVerifier.
package webhooks
