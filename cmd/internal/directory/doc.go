// Package directory implements Halo's server-side identity records.
//
// It contains the privacy-partitioned user record, security primitives
// (ULID ids, Argon2id password hashing), and the store boundary used by the
// websocket gateway, with in-memory and Postgres implementations.
package directory
