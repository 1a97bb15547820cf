// Package billing keeps each account's locally cached subscription state
// consistent with the billing provider.
//
// The Syncer is the only writer of the sync-owned part of a
// SubscriberRecord: it looks the customer up at the provider, resolves the
// tier of the active subscription and upserts the whole row in one write.
// Every other path ends in it:
//
//   - Gateway verifies a webhook, records its id in the write-ahead dedup
//     log and dispatches it to the handlers built by NewEventHandlers.
//   - Checker runs an on-demand sync with bounded retry and serves the last
//     known state, flagged as degraded, when the provider or store is down.
//   - Sweeper re-derives every subscribed account and writes only drifted
//     rows.
//   - Admin performs audited overrides: resync, pause and resume of payment
//     collection, the unlimited quota flag, usage resets and account erasure.
//
// Usage and Credits implement the quota side: a per-period submission
// counter checked before it is spent, and add-on purchases that complete
// exactly once.
//
// Errors are mapped onto a small taxonomy by Classify. Transient and
// inconsistent failures are absorbed wherever a safe default exists;
// rejected and fatal ones reach the caller.
package billing
