// Package engine runs a compiled pipeline against one input or against every
// file dropped into a watched folder.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc"

	"conveyor/internal/pipeline"
)

type Engine struct {
	cfg Config
	app string
	log *slog.Logger
}

// Run processes a single input and prints its summary. An empty input uses
// the source configured in the pipeline file.
func (e *Engine) Run(ctx context.Context, input string) (pipeline.Result, error) {
	job, err := pipeline.Compile(e.cfg.Pipeline, pipeline.Overrides{Input: input})
	if err != nil {
		return pipeline.Result{Status: pipeline.StatusAborted, Err: err}, err
	}
	name := filepath.Base(job.Input)
	if job.Input == "" {
		name = job.Spec.Source.Kind
	}
	e.log.Info("processing started", "input", name, "app", e.app)

	res := job.Run(ctx)
	if res.Err == nil {
		fmt.Fprintf(e.cfg.Out, "Processing %s completed in %.3fs.\n", name, res.Elapsed.Seconds())
	}
	fmt.Fprintln(e.cfg.Out, job.Summary(res))
	return res, res.Err
}

// Watch runs the pipeline for every file created in dir until ctx is done.
// Files are picked up once they have stopped changing for Config.Settle;
// runs for different files proceed concurrently.
func (e *Engine) Watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	e.log.Info("waiting for files", "dir", dir)

	var (
		wg      conc.WaitGroup
		mu      sync.Mutex
		pending = map[string]*time.Timer{}
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		pending = nil
		mu.Unlock()
		wg.Wait()
	}()

	settle := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if pending == nil {
			return
		}
		if t, ok := pending[path]; ok {
			t.Reset(e.cfg.Settle)
			return
		}
		pending[path] = time.AfterFunc(e.cfg.Settle, func() {
			mu.Lock()
			if pending == nil {
				mu.Unlock()
				return
			}
			delete(pending, path)
			// registered under mu so the deferred Wait sees it
			wg.Go(func() { e.process(ctx, path) })
			mu.Unlock()
		})
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("watch stopped", "dir", dir)
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			settle(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.log.Warn("watcher error", "err", err)
		}
	}
}

func (e *Engine) process(ctx context.Context, path string) {
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return
	}
	e.log.Info("detected file", "file", filepath.Base(path))
	if _, err := e.Run(ctx, path); err != nil {
		e.log.Error("processing failed", "file", filepath.Base(path), "err", err)
	}
}
