// Package userstate maintains client-side identity state for one signed-in
// user plus a cache of other users' public profiles, kept in sync with a
// remote identity service through push subscriptions.
//
// It contains the reactive state container (Store), the profile cache with
// lazy watch-on-miss, privacy-partitioned payload application, and
// login/logout edge hooks.
//
// This package is intentionally dependency-light; transports live elsewhere
// (see package remote).
package userstate
