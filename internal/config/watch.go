package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxlog"
)

// Watch reloads the configuration whenever the env file changes and passes each successfully
// loaded Config to onChange. It blocks until ctx is cancelled and returns nil then. If no env
// file is configured it just waits for ctx.
//
// The directory containing the file is watched rather than the file itself, so that editors
// that replace the file on save are followed.
func (l *Loader) Watch(ctx context.Context, logger dpxlog.Logger, envFile string, onChange func(*Config)) error {
	if envFile == "" {
		<-ctx.Done()
		return nil
	}
	logger = logger.Fork("<EnvWatch %s>", envFile)
	target, err := filepath.Abs(envFile)
	if err != nil {
		return errors.Wrapf(err, "cannot resolve env file %s", envFile)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "cannot create file watcher")
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return errors.Wrapf(err, "cannot watch %s", filepath.Dir(target))
	}
	logger.DLogf("Watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := l.Load()
			if err != nil {
				logger.WLogf("Reload failed, keeping the current configuration: %s", err)
				continue
			}
			logger.DLogf("Reloaded")
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.WLogf("Watch error: %s", err)
		}
	}
}
