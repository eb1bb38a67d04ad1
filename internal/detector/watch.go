package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is the quiet period used when Options.Debounce is unset.
const defaultDebounce = 300 * time.Millisecond

// Watch turns filesystem notifications under the spec directory into scan
// triggers until ctx is cancelled. Bursts of notifications collapse into a
// single trigger once the directory has been quiet for Options.Debounce.
// Polling stays authoritative; a missed notification only delays detection
// until the next tick.
func (d *Detector) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.opts.Dir, err)
	}
	d.watchEvents(ctx, watcher.Events, watcher.Errors)
	return nil
}

func (d *Detector) watchEvents(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	debounce := d.opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			d.logger.Debug("fsnotify event", "op", event.Op.String(), "file", event.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				d.logger.Debug("debounced scan", "file", event.Name)
				d.Trigger()
			})
		case err, ok := <-errs:
			if !ok {
				return
			}
			d.logger.Error("fsnotify error", "error", err)
		}
	}
}
