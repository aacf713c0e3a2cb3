// Package signature builds the canonical request string and verifies the
// HMAC-SHA256 signature clients attach to uploads.
//
// The canonical string is the eight signed fields joined by "\n" in this
// order: method, path, client id, timestamp, nonce, file hash, file size
// (base-10), schema version.
//
// Functions here are pure: no I/O, no clocks, no logging.
package signature
