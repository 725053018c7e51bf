// Package auth verifies handshake tokens and answers permission checks.
//
// JWTVerifier turns a bearer token into a model.User. It accepts HS256 tokens
// signed with a shared secret, or RS256 tokens when configured with an RSA
// public key. RoleAuthorizer grants actions by role, with admin roles allowed
// everything.
package auth
