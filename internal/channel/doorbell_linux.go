//go:build linux

package channel

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const watchPollMillis = 100

// bellWatcher calls fire whenever the doorbell file is modified by any
// process. It runs one goroutine around an inotify descriptor.
type bellWatcher struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func watchDoorbell(path string, fire func()) (*bellWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, path, unix.IN_MODIFY|unix.IN_CLOSE_WRITE); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("inotify_add_watch on %s: %w", path, err)
	}
	w := &bellWatcher{stop: make(chan struct{}), done: make(chan struct{})}
	go w.loop(fd, fire)
	return w, nil
}

func (w *bellWatcher) loop(fd int, fire func()) {
	defer close(w.done)
	defer unix.Close(fd)

	buffer := make([]byte, 4096)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, watchPollMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		if _, err := unix.Read(fd, buffer); err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		fire()
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *bellWatcher) Close() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}
