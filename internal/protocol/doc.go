// Package protocol implements the THL replication wire protocol.
//
// Every frame is a 4-byte big-endian length followed by a payload whose
// first byte is the message [Kind]. The high bit of that byte marks a
// snappy-compressed body. The body is the msgpack encoding of the message.
//
// A session runs:
//
//	server                         client
//	Handshake{capabilities}   ->
//	                          <-   HandshakeResponse{epoch, seqno, options}
//	OK{range} | NOK{reason}   ->
//	                          <-   EventRequest{seqno, prefetch}
//	Event{records}...         ->
//
// Heartbeats may be interleaved by the server at any time and are dropped
// by [Session.Read].
package protocol
