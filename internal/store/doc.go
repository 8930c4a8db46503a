// Package store provides persistent storage for tunnelward using SQLite.
//
// # Architecture
//
// SQLiteStore is the single implementation. Consumers declare the narrow
// interfaces they need (the access resolver reads an AccessGraph, the
// revocation ledger writes through RevokeCredential, the CA manager swaps
// through SwapActiveCA) so tests can substitute fakes.
//
// # Data Models
//
// Identity:
//
//   - Principal: SSO or local user with a claim-group snapshot
//   - Group: claim-derived or manual; manual groups have members
//
// Assignable objects:
//
//   - Gateway, MeshHub, MeshSpoke: tunnel endpoints with agent keys
//   - Network, AccessRule: destinations reachable through gateways
//   - ProxyApplication: internal HTTP service published by slug
//
// Access graph:
//
//   - Assignment: (subject_type, subject_id, object_type, object_id) edge.
//     user and group subjects reach any object; network and rule subjects
//     point only at gateways ("served by" and "contained by").
//
// Credentials:
//
//   - VPNConfig: issued gateway or mesh config with its certificate serial
//   - APIKey: hashed bearer key with scopes
//   - Revocation: append-only ledger entry, never cleared
//   - CertificateAuthority: signing roots; ca_state points at the active one
//
// # Error Handling
//
// Errors carry apperr kinds. Missing rows wrap ErrNotFound, uniqueness
// violations wrap ErrConflict, a lost CA swap returns ErrVersionConflict,
// and deleting a still-referenced network wraps ErrInUse.
//
// # Thread Safety
//
// SQLiteStore is safe for concurrent use. Multi-statement writes run in
// immediate transactions so the existence checks and the write see the
// same state.
package store
