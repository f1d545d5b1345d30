// Package keys is sigma's KeyStore: durable per-user storage of identity keys,
// one-time prekeys and signed prekeys, and the public bundle built from them.
//
// Lifecycle:
//   - An Identity is created once per user and never rotated.
//   - One-time prekeys are generated in batches with monotonically increasing ids.
//     A prekey moves available -> claimed (served to one session build) -> deleted
//     (consumed by the responder). Ids are never reused.
//   - Signed prekeys rotate on a schedule; only the current one is offered in bundles.
//     Retired ones stay decryptable until pruned.
//
// Private key material never leaves the store through Bundle.
package keys
