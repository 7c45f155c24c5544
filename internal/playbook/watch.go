package playbook

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the rule pack for changes and reloads it each time the file
// is written. It runs until ctx is cancelled. A failed reload is logged and
// the previous pack remains active.
func (p *Playbook) Watch(ctx context.Context) error {
	if p == nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(p.path); err != nil {
		return err
	}

	p.logger.Info("watching rule pack", slog.String("path", p.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, so catch Create as well as Write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Error("rule pack reload failed, keeping previous rules",
					slog.String("path", p.path), slog.Any("error", err))
				continue
			}
			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(p.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("rule pack watcher error", slog.Any("error", err))
		}
	}
}
