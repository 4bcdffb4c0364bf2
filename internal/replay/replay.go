// Package replay implements the Replay Engine (§4.9): rebuilds a scoped
// slice of read models by re-running projectors over the ordered event
// stream, plus the NDJSON archive writer/reader used when events have
// aged out of live retention. Grounded on roach88-nysm's
// internal/engine/replay.go cursor-based replay idea and the teacher's
// ascending-cursor event queries, neither of which the teacher itself has
// a direct analogue for (its event log has no replay consumer).
package replay

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/eventlog"
	"github.com/coordline-dev/coordline/internal/projectors"
)

const defaultBatchSize = 100

// Engine replays events against the live projector set.
type Engine struct {
	DB  *sql.DB
	Log eventlog.Log
}

func New(db *sql.DB, log eventlog.Log) Engine { return Engine{DB: db, Log: log} }

// Cursor is the composite position §4.9 names, exposed so callers can
// persist it between batches.
type Cursor struct {
	TS           int64
	AfterEventID string
}

// Rebuild replays project-scoped events from cursor through untilTS (0 for
// open-ended), applying every batch's projectors in one transaction per
// batch. It returns the cursor to resume from, which equals the position
// after the last event applied.
func (e Engine) Rebuild(ctx context.Context, projectID string, from Cursor, untilTS int64) (Cursor, int, error) {
	cursor := from
	total := 0
	for {
		batch, err := e.Log.ByTSRange(ctx, projectID, cursor.TS, untilTS, cursor.AfterEventID, defaultBatchSize)
		if err != nil {
			return cursor, total, err
		}
		if len(batch) == 0 {
			return cursor, total, nil
		}
		if err := e.applyBatch(ctx, batch); err != nil {
			return cursor, total, err
		}
		last := batch[len(batch)-1]
		cursor = Cursor{TS: last.TS, AfterEventID: last.ID}
		total += len(batch)
		if len(batch) < defaultBatchSize {
			return cursor, total, nil
		}
	}
}

// Restore replays events read back from an archive (events no longer
// present in the live event table, per retention) through the same
// projectors Rebuild uses, in batches of defaultBatchSize events per
// transaction. Events are expected in ascending ts/id order, the order
// WriteArchive/ReadArchive already preserve.
func (e Engine) Restore(ctx context.Context, events []domain.Event) (int, error) {
	total := 0
	for start := 0; start < len(events); start += defaultBatchSize {
		end := start + defaultBatchSize
		if end > len(events) {
			end = len(events)
		}
		if err := e.applyBatch(ctx, events[start:end]); err != nil {
			return total, err
		}
		total += end - start
	}
	return total, nil
}

func (e Engine) applyBatch(ctx context.Context, events []domain.Event) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if err := projectors.Apply(ctx, tx, evt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ErrChecksumMismatch means an archive file's trailing checksum line does
// not match the SHA-256 of the lines preceding it.
var ErrChecksumMismatch = errors.New("archive checksum mismatch")

// WriteArchive writes events as NDJSON, one JSON object per line in ts
// order, followed by a trailing {"_checksum": "<hex>"} line covering every
// preceding byte, per SPEC_FULL.md §6's archive format.
func WriteArchive(w io.Writer, events []domain.Event) error {
	h := sha256.New()
	bw := io.MultiWriter(w, h)
	for _, evt := range events {
		line, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	checksum := hex.EncodeToString(h.Sum(nil))
	trailer, _ := json.Marshal(map[string]string{"_checksum": checksum})
	_, err := w.Write(append(trailer, '\n'))
	return err
}

// ReadArchive parses an NDJSON archive, validating the trailing checksum
// line before returning the events it covers.
func ReadArchive(r io.Reader) ([]domain.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lines [][]byte
	for scanner.Scan() {
		buf := make([]byte, len(scanner.Bytes()))
		copy(buf, scanner.Bytes())
		lines = append(lines, buf)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("replay: empty archive")
	}

	trailer := lines[len(lines)-1]
	var trailerObj map[string]string
	if err := json.Unmarshal(trailer, &trailerObj); err != nil || trailerObj["_checksum"] == "" {
		return nil, fmt.Errorf("replay: archive missing trailing checksum line")
	}

	h := sha256.New()
	for _, l := range lines[:len(lines)-1] {
		h.Write(l)
		h.Write([]byte("\n"))
	}
	if hex.EncodeToString(h.Sum(nil)) != trailerObj["_checksum"] {
		return nil, ErrChecksumMismatch
	}

	events := make([]domain.Event, 0, len(lines)-1)
	for _, l := range lines[:len(lines)-1] {
		var evt domain.Event
		if err := json.Unmarshal(l, &evt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}
