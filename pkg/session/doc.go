// Package session removes sessions that have been idle too long.
//
// A Reaper sweeps the session store on a fixed interval and deletes every
// session whose last activity lies further in the past than the idle
// timeout, together with its uploaded file and chart. A request that races
// a sweep sees the session as not found.
package session
