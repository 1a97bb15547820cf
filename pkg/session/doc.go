// Package session authenticates API callers with short-lived HS256 access
// tokens and long-lived refresh tokens (golang-jwt/jwt/v5). Refresh tokens
// are only honoured while their session is present in the Registry, so a
// session can be revoked server-side.
//
// Resolution order for a request:
//
//  1. A valid access token authenticates the caller.
//  2. An access token with a bad signature or a wrong algorithm is rejected.
//  3. An expired but authentic access token triggers one refresh through the
//     Registry. On success the caller is authenticated and a new token pair
//     is handed back.
//  4. If the Registry cannot be reached, the expired token's identity is
//     used and marked Degraded so handlers can serve cached data only.
//
// Middleware wires this into net/http and stores the Identity in the
// request context.
package session
