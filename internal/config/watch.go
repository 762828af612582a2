package config

import (
	"path/filepath"

	"github.com/rjeczalik/notify"

	"github.com/rethinkkv/rethinkkv/rlog"
)

// ForceCreateMarker is the name of a file an operator can drop into an
// existing data directory; ForceCreateRequested reports its creation.
// `rethinkkv create --force` does not consult it and reinitializes the
// directory whether or not the marker is present (§9 "a 'force create'
// override is required to reinitialize on a non-empty directory").
const ForceCreateMarker = ".force-create"

// Watcher watches a data directory for the force-create marker appearing
// and for the config file changing on disk, so a long-running `serve`
// process can pick up either without a restart.
type Watcher struct {
	events chan notify.EventInfo
	log    rlog.Logger
}

// Watch starts watching dir and every directory below it (the "/..."
// suffix makes notify's watch recursive) for writes/creates/removes,
// the same notify.Watch(path, c, events...) call shape used anywhere
// rjeczalik/notify drives an fsnotify-style watch.
func Watch(dir string) (*Watcher, error) {
	events := make(chan notify.EventInfo, 16)
	if err := notify.Watch(filepath.Join(dir, "..."), events, notify.Create, notify.Write, notify.Remove); err != nil {
		return nil, err
	}
	return &Watcher{events: events, log: rlog.New("component", "config-watch")}, nil
}

// Stop releases the underlying watch.
func (w *Watcher) Stop() { notify.Stop(w.events) }

// ForceCreateRequested reports whether ev names the force-create marker
// being created.
func ForceCreateRequested(ev notify.EventInfo) bool {
	return ev.Event() == notify.Create && filepath.Base(ev.Path()) == ForceCreateMarker
}

// ConfigChanged reports whether ev names configPath being rewritten.
func ConfigChanged(configPath string, ev notify.EventInfo) bool {
	return ev.Event() == notify.Write && ev.Path() == configPath
}

// Events exposes the raw event stream for a caller's select loop.
func (w *Watcher) Events() <-chan notify.EventInfo { return w.events }
