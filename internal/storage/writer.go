package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
	"github.com/NicabarNimble/go-gitclone/internal/packfile"
)

const writeOp = "store"

// RecordSource is a single-pass sequence of pack records. It returns
// io.EOF once the stream is exhausted and verified.
type RecordSource interface {
	Next() (*packfile.Record, error)
}

// WriteStats summarizes a pack ingestion.
type WriteStats struct {
	Objects int // records consumed
	Deltas  int // records resolved from a delta
	Written int // objects not previously stored
}

type resolved struct {
	typ  object.Type
	hash object.Hash
}

// PackWriter resolves pack records into canonical objects and stores them.
type PackWriter struct {
	store *ObjectStore

	// OnObject, if set, is called after each object is stored.
	OnObject func(h object.Hash, t object.Type)

	byOffset map[int64]resolved
	pending  []*packfile.Record
	stats    WriteStats
}

// NewPackWriter returns a writer into store.
func NewPackWriter(store *ObjectStore) *PackWriter {
	return &PackWriter{store: store, byOffset: make(map[int64]resolved)}
}

// WriteAll drains src into the store. Deltas whose base is not yet known
// are held back until the stream ends; any that still cannot be resolved
// fail with an ObjectIntegrityError.
func (w *PackWriter) WriteAll(ctx context.Context, src RecordSource) (WriteStats, error) {
	for {
		if err := ctx.Err(); err != nil {
			return w.stats, clonerr.FromContext(writeOp, err)
		}
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return w.stats, err
		}
		w.stats.Objects++
		if err := w.add(rec); err != nil {
			return w.stats, err
		}
	}
	if err := w.drainPending(); err != nil {
		return w.stats, err
	}
	return w.stats, nil
}

func (w *PackWriter) add(rec *packfile.Record) error {
	switch rec.Type {
	case object.OFSDeltaType:
		if _, ok := w.byOffset[rec.BaseOffset]; !ok {
			w.pending = append(w.pending, rec)
			return nil
		}
		return w.resolveDelta(rec)
	case object.REFDeltaType:
		if !w.store.Has(rec.BaseHash) {
			w.pending = append(w.pending, rec)
			return nil
		}
		return w.resolveDelta(rec)
	default:
		return w.put(rec.Offset, rec.Type, rec.Data)
	}
}

func (w *PackWriter) resolveDelta(rec *packfile.Record) error {
	baseHash := rec.BaseHash
	if rec.Type == object.OFSDeltaType {
		baseHash = w.byOffset[rec.BaseOffset].hash
	}
	typ, base, err := w.store.Get(baseHash)
	if err != nil {
		return err
	}
	content, err := packfile.ApplyDelta(base, rec.Data)
	if err != nil {
		return fmt.Errorf("delta at offset %d: %w", rec.Offset, err)
	}
	w.stats.Deltas++
	return w.put(rec.Offset, typ, content)
}

func (w *PackWriter) put(offset int64, t object.Type, content []byte) error {
	h, written, err := w.store.Put(t, content)
	if err != nil {
		return err
	}
	w.byOffset[offset] = resolved{typ: t, hash: h}
	if written {
		w.stats.Written++
	}
	if w.OnObject != nil {
		w.OnObject(h, t)
	}
	return nil
}

func (w *PackWriter) drainPending() error {
	for len(w.pending) > 0 {
		var rest []*packfile.Record
		for _, rec := range w.pending {
			ready := false
			switch rec.Type {
			case object.OFSDeltaType:
				_, ready = w.byOffset[rec.BaseOffset]
			case object.REFDeltaType:
				ready = w.store.Has(rec.BaseHash)
			}
			if !ready {
				rest = append(rest, rec)
				continue
			}
			if err := w.resolveDelta(rec); err != nil {
				return err
			}
		}
		if len(rest) == len(w.pending) {
			rec := rest[0]
			if rec.Type == object.REFDeltaType {
				return clonerr.Errorf(writeOp, clonerr.KindObjectIntegrity,
					"%d deltas unresolved, base %s missing", len(rest), rec.BaseHash)
			}
			return clonerr.Errorf(writeOp, clonerr.KindObjectIntegrity,
				"%d deltas unresolved, base at offset %d missing", len(rest), rec.BaseOffset)
		}
		w.pending = rest
	}
	return nil
}
