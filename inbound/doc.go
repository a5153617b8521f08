// Package inbound maps transport-agnostic deliveries on the message and
// status surfaces onto the chatflow ingest pipeline and renders the
// acknowledgment a provider expects.
//
// Redeliveries are acknowledged with duplicate=true; the pipeline's
// idempotency key decides, not a delivery header.
package inbound
