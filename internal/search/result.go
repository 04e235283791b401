package search

import (
	"fmt"

	"github.com/cenkalti/dcshare/internal/nmdcproto"
)

// Result is a validated, sink-ready search hit.
type Result struct {
	IsFolder   bool
	Nick       string
	Path       string
	Size       int64
	UpSlots    int
	MaxSlots   int
	TTH        string
	HubName    string
	PeerNick   string
}

// FormatFile builds the "$SR ... TTH:..." wire frame for a file hit.
func FormatFile(nick, path string, size int64, upSlots, maxSlots int, tth, host string, port int, passivePeerNick string) string {
	s := fmt.Sprintf("$SR %s %s\x05%d %d/%d\x05TTH:%s (%s:%d)", nick, path, size, upSlots, maxSlots, tth, host, port)
	if passivePeerNick != "" {
		s += "\x05" + passivePeerNick
	}
	return s
}

// FormatFolder builds the "$SR ..." wire frame for a directory hit.
func FormatFolder(nick, path string, upSlots, maxSlots int, hubName, host string, port int, passivePeerNick string) string {
	s := fmt.Sprintf("$SR %s %s %d/%d\x05%s (%s:%d)", nick, path, upSlots, maxSlots, hubName, host, port)
	if passivePeerNick != "" {
		s += "\x05" + passivePeerNick
	}
	return s
}

// ParseResult decodes an incoming $SR frame against the original query so
// unrelated hits sharing a UDP port (or arriving after the listener's
// query changed) are rejected, re-validating substring/size/type per
// spec.md §4.7.
func ParseResult(line string, q Query) (Result, bool) {
	if m := nmdcproto.SRFileRegexp.FindStringSubmatch(line); m != nil {
		size := parseInt(m[3])
		up := parseInt(m[4])
		max := parseInt(m[5])
		r := Result{Nick: m[1], Path: m[2], Size: size, UpSlots: int(up), MaxSlots: int(max), TTH: m[6]}
		if len(m) > 9 {
			r.PeerNick = m[9]
		}
		if !q.Matches(baseName(r.Path), false, r.Size, r.TTH) {
			return Result{}, false
		}
		return r, true
	}
	if m := nmdcproto.SRFolderRegexp.FindStringSubmatch(line); m != nil {
		up := parseInt(m[3])
		max := parseInt(m[4])
		r := Result{IsFolder: true, Nick: m[1], Path: m[2], UpSlots: int(up), MaxSlots: int(max), HubName: m[5]}
		if len(m) > 8 {
			r.PeerNick = m[8]
		}
		if !q.Matches(baseName(r.Path), true, 0, "") {
			return Result{}, false
		}
		return r, true
	}
	return Result{}, false
}

func parseInt(s string) int64 {
	var n int64
	for _, c := range s {
		n = n*10 + int64(c-'0')
	}
	return n
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
