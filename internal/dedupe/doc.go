// Package dedupe remembers recently seen lead idempotency keys for a
// configurable window so a retried intake request returns the original lead.
package dedupe
