// Package auth issues and verifies the PASETO v4.public access tokens that
// authenticate sigma's HTTP API and push channel.
//
// Tokens are short-lived and carry the user id ("uid") and a token id ("tid").
// Verification enforces issuer, expiry and not-before with a small clock skew.
package auth
