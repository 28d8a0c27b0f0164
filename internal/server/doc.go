// Package server is the master side of THL replication: a TCP listener
// that runs one session handler per client.
//
// A handler moves through INIT, HANDSHAKING, VALIDATING, SERVING and
// CLOSED. Validation compares the client's last (epoch, seqno) and optional
// starting event id with the local log; see [CheckConsistency].
package server
