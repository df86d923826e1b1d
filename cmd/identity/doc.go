// Package identity implements Kindred's user directory and authentication capability.
//
// It owns the User record, argon2id password hashing, and the
// authenticate(token) -> UserIdentity capability consumed by the realtime
// gateway and the HTTP API. Everything else in the system only ever sees
// verified user ids.
package identity
