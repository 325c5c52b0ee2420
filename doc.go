// Package auth implements account and session lifecycle on top of Bun:
// registration, credential checks, refresh token rotation, single use
// verification codes, role directory and pruning of terminal records.
//
// Sessions:
//   - A session is a RefreshToken row. Only the SHA-256 digest of the
//     opaque token is stored. Rotation revokes the presented row and issues
//     a replacement with a single conditional update, so two concurrent
//     refreshes of the same token cannot both succeed.
//   - Access tokens are HS256 JWTs carrying uid, email, roles and the sid
//     of the session they were minted for. SessionBoundValidator rejects
//     them once that session is revoked.
//
// Verification codes:
//   - VerificationToken rows back account activation, password reset and
//     the two step email and password changes. Consume marks a code used
//     with a compare and set update and reports NotFound, Expired,
//     AlreadyUsed or TypeMismatch otherwise.
//
// Activity sinks:
//   - Every Engine flow emits an ActivityEvent. Sinks run best effort and
//     errors are logged, so a slow audit backend never blocks a login.
package auth
