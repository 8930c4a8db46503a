// Package auth authenticates callers of the tunnelward HTTP API.
//
// # Authentication Methods
//
//   - Session tokens: HS256 JWTs issued at login. The subject is the
//     principal ID and the principal is re-resolved on every request, so a
//     disabled account loses access immediately.
//
//   - API keys: bearer tokens starting with "twk_". Keys carry scopes of the
//     form "action:resource" (or "*"). Scopes narrow what the owner may do;
//     they never widen it.
//
//   - SSH signatures: gateway, hub and spoke agents sign
//     "timestamp|nonce|METHOD|path|sha256(body)" with the key registered on
//     the object. Each nonce is accepted once within the signature window.
//
// # Middleware
//
//	authn := NewAuthenticator(jwt, issuer, identity)
//	r.Use(authn.Middleware)
//	r.With(RequireAdmin, RequireScope(ActionWrite, ResourceGateways)).Post(...)
//
// Failures are written as JSON errors through apperr.WriteHTTP.
package auth
