// Package auth is Courier's identity-verifier boundary.
//
// Credential issuance lives outside this service; the core only needs to
// turn a bearer token into a stable user id at handshake time. The
// production implementation verifies PASETO v4.public access tokens. Issue
// is kept alongside Verify for the smoke tool and tests.
package auth
