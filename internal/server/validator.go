package server

import (
	"context"
	"fmt"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/internal/protocol"
)

// Validation is the outcome of a successful consistency check.
type Validation struct {
	// Deferred is set when the log was empty; the check runs again once the
	// first record is available.
	Deferred bool

	// Filtered, when set, covers seqnos the client skipped by requesting an
	// event id further ahead. It is sent before any stored record.
	Filtered *domain.Event
}

// CheckConsistency decides whether a client declaring resp may attach to
// store. conn is a connection the caller owns; the check moves its cursor.
func CheckConsistency(ctx context.Context, store ports.LogStore, conn ports.LogConnection, resp *protocol.HandshakeResponse) (Validation, error) {
	eventID := resp.Option(protocol.OptEventID)

	if resp.LastSeqno < 0 && eventID == "" {
		return Validation{}, nil
	}
	if store.MaxSeqno() < 0 {
		return Validation{Deferred: true}, nil
	}

	start := store.MinSeqno()
	if resp.LastSeqno >= 0 {
		if err := checkPosition(ctx, conn, resp.LastSeqno, resp.LastEpochNumber); err != nil {
			return Validation{}, err
		}
		start = resp.LastSeqno
	}

	if eventID == "" {
		return Validation{}, nil
	}
	return scanForEventID(ctx, conn, start, resp, eventID)
}

// checkPosition verifies the record at seqno carries epoch. A missing seqno
// is tolerated when seqno+1 is stored, which happens after a restore
// trimmed the head of the log.
func checkPosition(ctx context.Context, conn ports.LogConnection, seqno, epoch int64) error {
	found, err := conn.Seek(seqno)
	if err != nil {
		return fmt.Errorf("seek %d: %w", seqno, err)
	}
	if found {
		ev, err := conn.Next(ctx, false)
		if err != nil {
			return fmt.Errorf("read %d: %w", seqno, err)
		}
		if ev == nil || ev.Seqno != seqno {
			return domain.NewConsistencyError("seqno %d disappeared from the log", seqno)
		}
		if ev.EpochNumber != epoch {
			return domain.NewConsistencyError(
				"client seqno %d has epoch %d, server has epoch %d; histories diverged",
				seqno, epoch, ev.EpochNumber)
		}
		return nil
	}

	next, err := conn.Seek(seqno + 1)
	if err != nil {
		return fmt.Errorf("seek %d: %w", seqno+1, err)
	}
	if next {
		return nil
	}
	return domain.NewConsistencyError("client seqno %d is not in the server log", seqno)
}

// scanForEventID walks committing records from start looking for eventID.
// An eventID before the record at start is refused; an eventID found further
// ahead is accepted with a filtered range covering the skipped seqnos.
func scanForEventID(ctx context.Context, conn ports.LogConnection, start int64, resp *protocol.HandshakeResponse, eventID string) (Validation, error) {
	if _, err := conn.Seek(start); err != nil {
		return Validation{}, fmt.Errorf("seek %d: %w", start, err)
	}

	first := true
	for {
		ev, err := conn.Next(ctx, false)
		if err != nil {
			return Validation{}, fmt.Errorf("scan for event id: %w", err)
		}
		if ev == nil {
			return Validation{}, domain.NewConsistencyError("event id %q not found in the server log", eventID)
		}
		if !ev.LastFrag || ev.EventID == "" {
			continue
		}

		cmp := domain.CompareEventIDs(eventID, ev.EventID)
		if first && cmp < 0 {
			return Validation{}, domain.NewConsistencyError(
				"requested event id %q is earlier than the server position %q (seqno %d)",
				eventID, ev.EventID, ev.Seqno)
		}
		first = false

		switch {
		case cmp == 0:
			from := resp.LastSeqno + 1
			if from > ev.Seqno {
				return Validation{}, nil
			}
			return Validation{
				Filtered: domain.NewFilteredRange(from, ev.Seqno, ev.SourceID, ev.EpochNumber),
			}, nil
		case cmp < 0:
			return Validation{}, domain.NewConsistencyError("event id %q not found in the server log", eventID)
		}
	}
}
