// Package framer buffers inbound bytes per connection and splits them into
// '|'-terminated NMDC commands, or forwards raw bytes to a binary-mode sink
// while the owning session is mid-transfer.
package framer

// Framer accumulates bytes for a single connection. It is owned by the
// session goroutine that feeds it; it is never shared between goroutines.
type Framer struct {
	buf    []byte
	binary bool
	sink   func([]byte)
}

// New returns an empty Framer in command mode; Feed returns each complete
// '|'-terminated command it frames.
func New() *Framer {
	return &Framer{}
}

// SetBinary toggles binary passthrough mode. While set, Feed forwards raw
// bytes to sink instead of framing on '|'.
func (f *Framer) SetBinary(on bool, sink func([]byte)) {
	f.binary = on
	f.sink = sink
	if !on {
		f.sink = nil
	}
}

// Feed appends newly received bytes and returns the complete commands framed
// out of the accumulator, in arrival order. In binary mode it instead calls
// the configured sink directly and returns nil.
func (f *Framer) Feed(data []byte) [][]byte {
	if f.binary {
		if f.sink != nil && len(data) > 0 {
			f.sink(data)
		}
		return nil
	}
	f.buf = append(f.buf, data...)
	var commands [][]byte
	for {
		idx := indexByte(f.buf, '|')
		if idx < 0 {
			break
		}
		if idx == 0 {
			f.buf = f.buf[1:]
			continue
		}
		cmd := make([]byte, idx)
		copy(cmd, f.buf[:idx])
		f.buf = f.buf[idx+1:]
		commands = append(commands, cmd)
	}
	return commands
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
