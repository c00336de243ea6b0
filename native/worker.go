package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrWorkerStopped is returned by Link after Stop.
var ErrWorkerStopped = errors.New("link worker stopped")

// linkRequest is a unit of work for the toolchain goroutine.
type linkRequest struct {
	ctx    context.Context
	llvmIR string
	output string
	done   chan error
}

// Worker serializes toolchain invocations through a single goroutine.
// Every link reuses one scratch directory, so concurrent callers must go
// through the worker.
type Worker struct {
	toolchain Toolchain
	ownsDir   bool
	requests  chan linkRequest
	quit      chan struct{}
	exited    chan struct{}
	stopOnce  sync.Once
}

// NewWorker starts the processing goroutine. A scratch directory is
// created if tc has none.
func NewWorker(tc Toolchain) (*Worker, error) {
	owns := false
	if tc.ScratchDir == "" {
		dir, err := os.MkdirTemp("", "cashier-")
		if err != nil {
			return nil, err
		}
		tc.ScratchDir = dir
		owns = true
	}
	w := &Worker{
		toolchain: tc,
		ownsDir:   owns,
		requests:  make(chan linkRequest, 16),
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// loop processes link requests sequentially.
func (w *Worker) loop() {
	defer close(w.exited)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req)
		case <-w.quit:
			return
		}
	}
}

// execute runs one link, recovering from panics.
func (w *Worker) execute(req linkRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	if err := req.ctx.Err(); err != nil {
		return err
	}
	return w.toolchain.Link(req.ctx, req.llvmIR, req.output)
}

// Link submits a link and blocks until it completes, ctx is done or the
// worker is stopped.
func (w *Worker) Link(ctx context.Context, llvmIR, output string) error {
	select {
	case <-w.quit:
		return ErrWorkerStopped
	default:
	}

	req := linkRequest{
		ctx:    ctx,
		llvmIR: llvmIR,
		output: output,
		done:   make(chan error, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-w.exited:
		// The loop may have answered just before exiting.
		select {
		case err := <-req.done:
			return err
		default:
			return ErrWorkerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Toolchain returns the toolchain the worker runs, including its scratch
// directory.
func (w *Worker) Toolchain() Toolchain {
	return w.toolchain
}

// Stop shuts down the worker goroutine, waiting for a link in progress,
// and removes a scratch directory created by NewWorker. Stop may be called
// more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		<-w.exited
		if w.ownsDir {
			os.RemoveAll(w.toolchain.ScratchDir)
		}
	})
}
