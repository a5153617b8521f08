// Package core holds the canonical chat event model, the store and
// collaborator contracts, and the ingestion pipeline: admission, thread
// correlation, routing and outbox publishing. Adapters depend on core; core
// does not depend on provider payload shapes, transports or databases.
package core
