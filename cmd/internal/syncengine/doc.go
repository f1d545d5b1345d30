// Package syncengine mirrors remote conversations into the local room
// directory, one goroutine per connected local user.
//
// A connection moves through Disconnected, Connecting and Syncing. Entering
// Syncing runs an initial sync; afterwards batches are applied as the remote
// streams them. Every applied batch advances the user's cursor, so a
// reconnect resumes where the last applied batch ended and events already in
// the directory are never decrypted twice.
//
// Transient failures are retried with exponential backoff and full jitter.
// An expired credential stops the loop for good and is reported on
// Handle.Err.
package syncengine
