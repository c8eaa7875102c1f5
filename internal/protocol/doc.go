// Package protocol defines the cluster wire vocabulary shared by the client
// core, the subsystem clients and the messenger.
//
// Every message travels as a single record-marked frame: a 4-byte big-endian
// header whose high bit flags the last fragment and whose low 31 bits carry
// the fragment length, followed by the XDR encoding of the envelope. The
// envelope's front section holds a type-specific head, itself XDR encoded.
// The optional data section carries bulk payload (storage op data).
package protocol
