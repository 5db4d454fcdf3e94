package scan

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/vtfind/vtfind/pkg/image"
	"github.com/vtfind/vtfind/pkg/paging"
	"golang.org/x/sync/errgroup"
)

// pageTask is the unit the engine fans out for each page. run is called
// concurrently for every task against the same block; commit is called once
// all runs returned, sequentially and in task order.
type pageTask interface {
	run(offset int64, blk *paging.Block)
	commit(offset int64)
}

type pageBuffer struct {
	raw [paging.PageSize]byte
	blk paging.Block
}

// Engine streams the memory region of an image through two alternating page
// buffers, reading the next page while the tasks examine the current one.
type Engine struct {
	img  *image.Image
	conf *Config
	bufs [2]pageBuffer
}

// NewEngine returns an engine over the physical memory region of img.
func NewEngine(img *image.Image, conf *Config) (*Engine, error) {
	if err := conf.verify(); err != nil {
		return nil, err
	}
	return &Engine{img: img, conf: conf}, nil
}

// Run visits every whole page of the region in file order. After each page is
// committed, stop is polled and the scan ends early when it returns true.
// It reports whether the scan was stopped early.
func (e *Engine) Run(ctx context.Context, tasks []pageTask, stop func() bool) (bool, error) {
	if len(tasks) == 0 {
		return false, nil
	}

	start, end := e.img.Base, e.img.End()
	total := end - start
	lastPct := -1

	for win := start; win < end; win += e.conf.WindowSize {
		size := min(e.conf.WindowSize, end-win)
		sr := io.NewSectionReader(e.img, win, size)
		pages := size / paging.PageSize
		if pages == 0 {
			break
		}

		cur := 0
		if err := e.read(sr, 0, &e.bufs[cur]); err != nil {
			return false, errors.Wrapf(err, "window %#x", win)
		}

		for p := int64(0); p < pages; p++ {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			offset := win + p*paging.PageSize
			next := cur ^ 1

			var ahead errgroup.Group
			if p+1 < pages {
				ahead.Go(func() error {
					return e.read(sr, (p+1)*paging.PageSize, &e.bufs[next])
				})
			}
			e.dispatch(tasks, offset, &e.bufs[cur].blk)
			if err := ahead.Wait(); err != nil {
				return false, errors.Wrapf(err, "window %#x", win)
			}
			for _, t := range tasks {
				t.commit(offset)
			}
			cur = next

			if e.conf.Progress != nil && total > 0 {
				if pct := int((offset + paging.PageSize - start) * 100 / total); pct != lastPct {
					lastPct = pct
					e.conf.Progress(pct)
				}
			}
			if stop != nil && stop() {
				return true, nil
			}
		}
	}

	return false, nil
}

// dispatch runs every task against blk and returns once all of them finished.
func (e *Engine) dispatch(tasks []pageTask, offset int64, blk *paging.Block) {
	if len(tasks) == 1 || e.conf.Workers == 1 {
		for _, t := range tasks {
			t.run(offset, blk)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(e.conf.Workers)
	for _, t := range tasks {
		g.Go(func() error {
			t.run(offset, blk)
			return nil
		})
	}
	g.Wait()
}

func (e *Engine) read(r io.ReaderAt, off int64, buf *pageBuffer) error {
	if n, err := r.ReadAt(buf.raw[:], off); n < len(buf.raw) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "failed to read page at %#x", off)
	}
	buf.blk.Decode(buf.raw[:])
	return nil
}
