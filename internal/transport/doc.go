// Package transport negotiates a fetch with a remote repository over the
// git smart protocol (version 0).
//
// A Session is opened per clone for either smart HTTP or SSH. The
// Negotiator reads the ref advertisement, selects the refs the clone
// asked for, sends the want list and hands back the pack stream the
// server responds with.
package transport
