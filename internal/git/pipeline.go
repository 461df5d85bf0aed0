package git

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/packfile"
	"github.com/NicabarNimble/go-gitclone/internal/storage"
)

// recordBuffer bounds how far the pack reader may run ahead of the store.
const recordBuffer = 64

type packStats struct {
	Objects   int
	Written   int
	PackBytes int64
}

type packItem struct {
	rec *packfile.Record
	err error
}

// channelSource feeds the pack writer from the reader goroutine. A read
// failure travels through the channel so the writer reports the same
// error instead of treating the early close as the end of the pack.
type channelSource struct {
	ctx   context.Context
	items <-chan packItem
}

func (s *channelSource) Next() (*packfile.Record, error) {
	select {
	case it, ok := <-s.items:
		if !ok {
			return nil, io.EOF
		}
		return it.rec, it.err
	case <-s.ctx.Done():
		return nil, clonerr.FromContext("store", s.ctx.Err())
	}
}

// receivePack streams the pack into the quarantined object store. Reading
// and writing run concurrently; the pack is closed once both are done or
// either fails.
func (c *cloner) receivePack(ctx context.Context, pack io.ReadCloser) (packStats, error) {
	g, gctx := errgroup.WithContext(ctx)
	closePack := sync.OnceValue(pack.Close)
	stop := context.AfterFunc(gctx, func() { closePack() })
	defer func() {
		stop()
		if err := closePack(); err != nil {
			c.log.WithError(err).Debug("closing pack stream")
		}
	}()

	reader := packfile.NewReader(pack)
	items := make(chan packItem, recordBuffer)
	var stats packStats

	tracker := c.opts.Progress
	if tracker != nil {
		tracker.Start("receiving objects")
	}

	g.Go(func() error {
		defer close(items)
		send := func(it packItem) bool {
			select {
			case items <- it:
				return true
			case <-gctx.Done():
				return false
			}
		}
		for n := int64(1); ; n++ {
			rec, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				send(packItem{err: err})
				return err
			}
			if !send(packItem{rec: rec}) {
				return clonerr.FromContext("read-pack", gctx.Err())
			}
			if tracker != nil {
				tracker.Update(n, int64(reader.Count()))
			}
		}
	})

	writer := storage.NewPackWriter(c.objects)
	g.Go(func() error {
		ws, err := writer.WriteAll(gctx, &channelSource{ctx: gctx, items: items})
		stats.Objects = ws.Objects
		stats.Written = ws.Written
		return err
	})

	err := g.Wait()
	stats.PackBytes = reader.BytesRead()
	c.opts.Metrics.AddPackBytes(stats.PackBytes)
	c.opts.Metrics.AddObjects(stats.Written)
	if tracker != nil {
		if err != nil {
			tracker.Error(err)
		} else {
			tracker.Complete()
		}
	}
	if err != nil {
		return stats, err
	}
	c.log.WithField("objects", stats.Objects).WithField("bytes", stats.PackBytes).Info("received pack")
	return stats, nil
}
