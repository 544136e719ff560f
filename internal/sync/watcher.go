package sync

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"autosnippet/internal/logging"
	"autosnippet/internal/types"
)

// debounceDur coalesces rapid editor saves into one sync run.
const debounceDur = 500 * time.Millisecond

// Watcher triggers an incremental sync whenever a markdown file under the
// recipes or candidates directory changes.
type Watcher struct {
	syncer *Syncer

	// OnSync, when set, receives each completed report. Used by callers that
	// chain re-indexing after a sync.
	OnSync func(*Report)
}

// NewWatcher builds a watcher over the syncer's directories.
func NewWatcher(sy *Syncer) *Watcher {
	return &Watcher{syncer: sy}
}

// Watch blocks until ctx is cancelled, running a debounced sync after each
// burst of filesystem events. Sync failures are logged, not fatal: the next
// change retries naturally.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return types.Wrap(types.CodeStorage, err, "create filesystem watcher")
	}
	defer fw.Close()

	for _, dir := range []string{w.syncer.RecipesDir(), w.syncer.CandidatesDir()} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return types.Wrap(types.CodeStorage, err, "watch %s", dir)
		}
		logging.Sync("watching %s", dir)
	}

	// The timer starts stopped; each relevant event rewinds it.
	debounce := time.NewTimer(debounceDur)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.SyncDebug("fs event %s %s", ev.Op, ev.Name)
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceDur)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategorySync).Warn("watcher error: %v", err)

		case <-debounce.C:
			report, err := w.syncer.Sync(ctx, Options{SkipViolations: true})
			if err != nil {
				logging.Get(logging.CategorySync).Error("watch sync failed: %v", err)
				continue
			}
			if w.OnSync != nil {
				w.OnSync(report)
			}
		}
	}
}
