package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// poller detects store changes by stat'ing matching files on an interval.
// Used when fsnotify cannot watch the directory (network mounts, some
// container volumes).
type poller struct {
	dir      string
	prefix   string
	interval time.Duration
	state    map[string]fileState
}

func newPoller(dir, prefix string, interval time.Duration) *poller {
	p := &poller{
		dir:      dir,
		prefix:   prefix,
		interval: interval,
	}
	p.state = p.scan()
	return p
}

// run blocks until ctx is done. changed is called for files that appeared,
// vanished, or whose size or modification time moved since the last scan.
func (p *poller) run(ctx context.Context, changed func(name string)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next := p.scan()
			for name, st := range next {
				if prev, ok := p.state[name]; !ok || prev != st {
					changed(name)
				}
			}
			for name := range p.state {
				if _, ok := next[name]; !ok {
					changed(name)
				}
			}
			p.state = next
		}
	}
}

func (p *poller) scan() map[string]fileState {
	out := make(map[string]fileState)
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), p.prefix) {
			continue
		}
		info, err := os.Stat(filepath.Join(p.dir, e.Name()))
		if err != nil {
			continue
		}
		out[e.Name()] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	return out
}
