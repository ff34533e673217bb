package channel

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const fileMode = 0o600

// segment is one process's mapping of a channel's shared file.
type segment struct {
	path string
	fd   int
	data []byte
}

func (s *segment) view() view { return view{buf: s.data} }

// openSegment creates or joins the segment at path. The caller holds the
// channel lock, which makes the O_EXCL create and the header initialization a
// single step as far as other processes can tell. An existing file is adopted
// with the geometry recorded in its header; a file left uninitialized by a
// creator that died before finishing is initialized again.
func openSegment(path string, key Key, capacity uint64, slots int, now time.Time) (*segment, bool, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, fileMode)
	if err == nil {
		seg, err := initSegment(path, fd, key, capacity, slots, now)
		if err != nil {
			_ = unix.Unlink(path)
			return nil, false, err
		}
		return seg, true, nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return nil, false, wrap(ErrChannelUnavailable, "create segment "+path, err)
	}

	seg, err := adoptSegment(path, key)
	if errors.Is(err, errUninitialized) {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, false, wrap(ErrChannelUnavailable, "reopen segment "+path, err)
		}
		seg, err := initSegment(path, fd, key, capacity, slots, now)
		if err != nil {
			return nil, false, err
		}
		return seg, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return seg, false, nil
}

// errUninitialized marks a segment file whose creator died before writing the
// header, or a closed one whose unlink failed. Whoever holds the lock next may
// initialize it.
var errUninitialized = errors.New("segment not initialized")

// adoptSegment maps an existing segment and checks that it belongs to key.
// Caller holds the channel lock.
func adoptSegment(path string, key Key) (*segment, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, wrap(ErrChannelUnavailable, "open segment "+path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, wrap(ErrChannelUnavailable, "stat segment "+path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		_ = unix.Close(fd)
		return nil, wrap(ErrChannelUnavailable, path+" is not a regular file", nil)
	}
	if st.Size < headerSize {
		_ = unix.Close(fd)
		return nil, errUninitialized
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, wrap(ErrChannelUnavailable, "map segment "+path, err)
	}
	seg := &segment{path: path, fd: fd, data: data}
	if v := seg.view(); v.magic() == 0 || (v.magic() == segmentMagic && v.closed()) {
		_ = seg.close()
		return nil, errUninitialized
	}
	if err := seg.view().validate(key); err != nil {
		_ = seg.close()
		return nil, fmt.Errorf("adopt segment %s: %w", path, err)
	}
	return seg, nil
}

func initSegment(path string, fd int, key Key, capacity uint64, slots int, now time.Time) (*segment, error) {
	size := segmentSize(capacity, slots)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, wrap(ErrChannelUnavailable, "size segment "+path+" to "+strconv.Itoa(size)+" bytes", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, wrap(ErrChannelUnavailable, "map segment "+path, err)
	}
	seg := &segment{path: path, fd: fd, data: data}
	seg.view().initialize(key, capacity, slots, now)
	return seg, nil
}

// close unmaps and closes the segment. The file itself is left in place.
func (s *segment) close() error {
	var firstErr error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			firstErr = err
		}
		s.data = nil
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		s.fd = -1
	}
	return firstErr
}

// removeFile unlinks path, treating a missing file as success.
func removeFile(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// pidAlive reports whether a process with pid exists. EPERM means it exists
// under another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
