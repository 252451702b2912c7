// Package protocol declares the Go-native capability interface between the
// redirection core (package redirect) and an external wire parser, plus the
// one piece of wire layout the core must reproduce bit-exact: the legacy
// device-connect header. It does not implement framing, buffering, or
// capability negotiation — those are the external parser's job (Design
// Notes, "Callback plumbing"). Package wire supplies one concrete,
// deliberately minimal Parser.
package protocol
