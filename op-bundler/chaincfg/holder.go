package chaincfg

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/ethereum/go-ethereum/log"
)

// Holder publishes the current ChainSpec to all concurrent readers.
// Readers get the pointer that was current at the time of the call and keep
// using it for the rest of their work; a swap never changes a spec in place.
type Holder struct {
	current atomic.Pointer[ChainSpec]
}

func NewHolder(spec *ChainSpec) (*Holder, error) {
	if spec == nil {
		return nil, errors.New("nil chain spec")
	}
	if err := spec.Check(); err != nil {
		return nil, err
	}
	h := new(Holder)
	h.current.Store(spec)
	return h, nil
}

func (h *Holder) Get() *ChainSpec {
	return h.current.Load()
}

// Swap validates next and publishes it. The registries of the current spec
// are carried over, and the chain id must not change.
func (h *Holder) Swap(next *ChainSpec) error {
	if err := next.Check(); err != nil {
		return err
	}
	prev := h.current.Load()
	if next.ID != prev.ID {
		return fmt.Errorf("cannot swap chain %d for chain %d", prev.ID, next.ID)
	}
	h.current.Store(next.WithRegistries(prev.signatureAggregators, prev.submissionProxies))
	return nil
}

// Watch reloads the spec file on every write and swaps in the new spec.
// Invalid files are logged and ignored. It blocks until ctx is done.
func (h *Holder) Watch(ctx context.Context, path string, lgr log.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create chain spec watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files rather than writing them, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch chain spec directory: %w", err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			spec, err := LoadFile(path, h.Get().ID)
			if err != nil {
				lgr.Warn("Ignoring invalid chain spec update", "path", path, "err", err)
				continue
			}
			if err := h.Swap(spec); err != nil {
				lgr.Warn("Failed to swap chain spec", "path", path, "err", err)
				continue
			}
			lgr.Info("Reloaded chain spec", "path", path, "chain", spec.ID, "name", spec.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			lgr.Warn("Chain spec watcher error", "err", err)
		}
	}
}
