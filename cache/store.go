// Package cache implements a two-tier prefix cache: a deterministic
// Fingerprint over the request prefix, a Store interface with a required
// disk-backed implementation and optional Mongo- and Redis-backed ones, and
// the three persisted namespaces (content, response id, folded-history
// artefact) that sit on top of one Store.
package cache

import (
	"context"
	"time"
)

// Store is the persistence layer for one fingerprint-keyed namespace. Every
// entry carries an absolute expiry; an expired entry is never returned by
// Get. DiskStore evicts expired entries lazily on read; RedisStore relies on
// Redis's own key expiry.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves value for (namespace, key). found is false both when
	// the entry never existed and when it existed but has expired.
	Get(ctx context.Context, namespace, key string) (value []byte, found bool, err error)

	// Set stores value for (namespace, key) with an absolute expiry
	// ttl from now. A zero ttl means the entry never expires.
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error

	// Delete removes (namespace, key). It is not an error to delete a
	// missing entry.
	Delete(ctx context.Context, namespace, key string) error
}

// Namespace constants match the persisted state layout.
const (
	NamespaceContent    = "content"
	NamespaceResponseID = "response_id"
	NamespaceFold       = "fold"
)

// FoldKey builds the "fold:<fingerprint>:<strategy>" logical key used within
// NamespaceFold.
func FoldKey(fingerprint, strategy string) string {
	return fingerprint + ":" + strategy
}
