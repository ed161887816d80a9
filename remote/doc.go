// Package remote implements the userstate.Service boundary over a websocket
// connection to a Halo identity daemon.
//
// One Client owns one connection. Requests are correlated to their acks by
// envelope id; self_update and user_update pushes are fanned out to the watch
// channels opened through WatchSelf and WatchUser.
package remote
