// Package auth implements the server-side user-authentication state machine
// that runs between key exchange and session start.
//
// Responsibilities:
//   - Dispatching each USERAUTH_REQUEST: service-name enforcement, one-time
//     banner, method routing, and the authenticated short-circuit
//   - Validating the claimed account against admission policy (existence,
//     server identity, root-login restriction, group restriction, shell)
//   - Uniform failure responses with a randomized latency floor so that
//     unknown users, rejected users and wrong credentials are outwardly
//     indistinguishable
//   - Finalizing admitted sessions and releasing pre-auth accounting
//
// Credential cryptography lives behind the Verifier interface; this package
// only decides when a verifier runs and what its verdict means for the
// session. One Dispatcher instance belongs to exactly one connection and is
// driven by that connection's worker only.
package auth
