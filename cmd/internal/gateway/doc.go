// Package gateway is the WebSocket entrypoint for the Halo identity daemon.
//
// It upgrades HTTP requests into identity protocol v1 sessions, authenticates
// connections against the directory store, and fans identity pushes out to
// every interested session: self_update to all sessions bound to a user,
// user_update to every session watching that user.
package gateway
