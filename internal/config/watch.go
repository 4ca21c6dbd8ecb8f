package config

import (
	"context"
	logx "deptnotify/pkg/logx"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce = 250 * time.Millisecond

	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

var errWatcherBroken = errors.New("config watcher broken")

// Watch reloads the config file on change until ctx is done.
//
// The directory is watched, not the file, so atomic-rename saves are seen.
// Bursts of events within reloadDebounce collapse into one reload. A broken
// watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	retry := watchRetryMin

	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, func() { retry = watchRetryMin })
		if err == nil || ctx.Err() != nil {
			return nil
		}

		wait := retry + rand.N(retry/2+1)
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		retry = min(retry*2, watchRetryMax)
	}
	return nil
}

// watchOnce runs one watcher until ctx is done (nil) or it breaks.
func (m *ConfigManager) watchOnce(ctx context.Context, dir string, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()

	file := filepath.Base(m.path)
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	// One resettable timer owned by this goroutine; reloads run inline.
	pending := time.NewTimer(time.Hour)
	pending.Stop()
	defer pending.Stop()
	schedule := func() { pending.Reset(reloadDebounce) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pending.C:
			m.Reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherBroken
			}
			if relevant(ev, file) {
				m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path), logx.String("op", ev.Op.String()))
				schedule()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherBroken
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
			default:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

func relevant(ev fsnotify.Event, file string) bool {
	if !strings.EqualFold(filepath.Base(ev.Name), file) {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0
}
