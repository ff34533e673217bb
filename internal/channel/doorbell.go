package channel

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// doorbell is the <stem>.bell file. Writers bump an eight byte counter in it
// after every enqueue; readers in other processes watch it for modification.
type doorbell struct {
	path string
	fd   int
}

func openDoorbell(path string) (*doorbell, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, fileMode)
	if err != nil {
		return nil, wrap(ErrChannelUnavailable, "open doorbell "+path, err)
	}
	return &doorbell{path: path, fd: fd}, nil
}

// ring records seq in the doorbell file. Failures are not fatal to the send:
// readers still pick the record up on their next poll.
func (d *doorbell) ring(seq uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seq)
	for {
		_, err := unix.Pwrite(d.fd, buf[:], 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func (d *doorbell) close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
