// Package api exposes sigma's JSON HTTP API: identity onboarding, prekey
// bundles, session setup, sync control and the room index.
//
// Every route except the bundle lookup requires a PASETO bearer token.
package api
