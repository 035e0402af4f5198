// Package driver talks to the privileged kernel packet filter. The
// filter consumes opaque buffers produced by internal/wire; this
// package only frames and delivers them. Failures are surfaced, never
// retried: the store stays authoritative and the next successful
// mutation resynchronizes the filter.
package driver

// Command codes framing each buffer pushed to the device.
const (
	CmdSetConf uint32 = iota + 1
	CmdSetFlags
	CmdUpdateApp
	CmdDeleteApp
)

// Client pushes encoded policy buffers to the filter.
//
// WriteApp delivers a single-entry delta; remove selects the delete
// command. WriteConf delivers a full snapshot, or only the option
// flags header when onlyFlags is set. Both calls are bounded; neither
// blocks indefinitely.
type Client interface {
	WriteApp(buf []byte, remove bool) error
	WriteConf(buf []byte, onlyFlags bool) error
	Close() error
}

func appCmd(remove bool) uint32 {
	if remove {
		return CmdDeleteApp
	}
	return CmdUpdateApp
}

func confCmd(onlyFlags bool) uint32 {
	if onlyFlags {
		return CmdSetFlags
	}
	return CmdSetConf
}
