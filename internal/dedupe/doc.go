// Package dedupe provides an in-memory TTL cache of recently seen envelope
// ids, used as a fast front for the durable de-duplication index.
package dedupe
