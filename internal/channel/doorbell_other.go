//go:build !linux

package channel

import "errors"

// bellWatcher is unavailable without inotify; dispatch loops fall back to
// polling at their configured interval.
type bellWatcher struct{}

var errNoWatcher = errors.New("doorbell watching requires inotify")

func watchDoorbell(string, func()) (*bellWatcher, error) {
	return nil, errNoWatcher
}

func (*bellWatcher) Close() {}
