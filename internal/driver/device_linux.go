//go:build linux

package driver

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"grimm.is/palisade/internal/logging"
)

// DefaultDevicePath is where the filter module exposes its control
// node.
const DefaultDevicePath = "/dev/palisade"

// Device is the real filter transport: each push writes a fixed
// command header followed by the payload in a single writev, which the
// kernel side treats as one atomic configuration call.
type Device struct {
	fd   int
	path string
	log  *logging.Logger
}

// OpenDevice opens the filter control node.
func OpenDevice(path string) (*Device, error) {
	if path == "" {
		path = DefaultDevicePath
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open filter device %s: %w", path, err)
	}
	return &Device{
		fd:   fd,
		path: path,
		log:  logging.WithComponent("driver"),
	}, nil
}

func (d *Device) write(cmd uint32, buf []byte) error {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], cmd)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(buf)))

	n, err := unix.Writev(d.fd, [][]byte{header, buf})
	if err != nil {
		return fmt.Errorf("filter device %s: cmd %d: %w", d.path, cmd, err)
	}
	if n != len(header)+len(buf) {
		return fmt.Errorf("filter device %s: cmd %d: short write %d of %d",
			d.path, cmd, n, len(header)+len(buf))
	}
	return nil
}

// WriteApp pushes a single-entry delta.
func (d *Device) WriteApp(buf []byte, remove bool) error {
	d.log.Debug("push entry", "bytes", len(buf), "remove", remove)
	return d.write(appCmd(remove), buf)
}

// WriteConf pushes a full snapshot or, with onlyFlags, just the
// option header.
func (d *Device) WriteConf(buf []byte, onlyFlags bool) error {
	d.log.Debug("push snapshot", "bytes", len(buf), "only_flags", onlyFlags)
	return d.write(confCmd(onlyFlags), buf)
}

// Close releases the device.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}
