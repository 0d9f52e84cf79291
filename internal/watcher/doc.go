// Package watcher nudges the sync pipeline when the document store changes
// on disk.
//
// Polling stays the source of truth. The watcher only shortens the delay
// between a write and the next poll:
//   - Primary: fsnotify on the store directory
//   - Fallback: periodic stat of the store files when fsnotify is unavailable
//
// Events are debounced so a burst of SQLite WAL writes produces one
// notification.
//
// Usage:
//
//	w := watcher.New("/data/store.db", watcher.DefaultOptions(), func(files []string) {
//	    agg.SignalAll()
//	})
//	go w.Run(ctx)
package watcher
