// Package cryptosession establishes and runs pairwise encrypted sessions.
//
// Sessions are built with X3DH against a remote prekey bundle and then driven by
// the Double Ratchet. State lives in a sessions.Store keyed by (owner, address);
// the Cipher serializes work per address and commits new state only after a
// message authenticates, so failed decryptions never corrupt a session.
package cryptosession
