//go:build windows

package config

// registerSignalHandler is a no-op on Windows where SIGHUP is unavailable;
// the fsnotify watcher still provides config reload.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("SIGHUP not available on Windows, using file watcher only for config reload")
}
