// Package connector is the slave side of THL replication: it picks one
// acceptable master among candidate URIs and keeps a validated session to
// it.
//
// Candidates are tried round-robin. A candidate is accepted when no
// preferred role is configured, when its advertised role matches, or once
// the preferred-role timeout has elapsed and at least one full lap has been
// made. Unsuccessful laps sleep an exponential backoff starting at 500ms
// and capped at the retry interval.
package connector
