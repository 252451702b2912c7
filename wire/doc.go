// Package wire is a minimal, concrete protocol.Parser: a length-prefixed
// binary framing over any protocol.Transport. It exists so the module is
// runnable end to end (cmd/usbredirhostd wires one in), but it is a
// from-scratch encoding invented for this port — it is NOT wire-compatible
// with the real usbredirparser protocol, which is a byte-exact framing
// usbredirhost.c and its peers both implement. A production deployment
// talking to an actual usbredir peer needs a Parser built against that
// specification instead; this one only needs to agree with itself.
package wire
