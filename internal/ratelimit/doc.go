// Package ratelimit is an in-memory fixed-window admission limiter.
//
// Each identity (usually a client IP) gets a counter and a window that
// starts at its first request. Requests are admitted until the counter
// reaches the policy limit and denied with a retry hint until the window
// ends. The window is never extended by denied requests.
//
// State lives in a single process behind the Store interface. It is not
// shared between instances and does not survive a restart; pair it with
// upstream filtering for distributed abuse.
package ratelimit
