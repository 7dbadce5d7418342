// Package auth provides authentication primitives for tools.
//
// It supports shared-API-key authentication (APIKeyAuthenticator) behind a
// transport-agnostic Authenticator interface, plus Identity/context
// propagation so a request's authenticated principal travels with it. The
// package is protocol-agnostic and can be used with any transport layer.
package auth
