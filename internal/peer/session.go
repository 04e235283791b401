// Package peer implements the client-to-client NMDC handshake, direction
// election, and ADCGET/ADCSND transfer loop (spec.md §4.3).
package peer

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/dcshare/internal/conn"
	"github.com/cenkalti/dcshare/internal/framer"
	"github.com/cenkalti/dcshare/internal/logger"
	"github.com/cenkalti/dcshare/internal/nmdcproto"
	"github.com/cenkalti/dcshare/internal/queue"
	"github.com/cenkalti/dcshare/internal/ratecounter"
	"github.com/cenkalti/dcshare/internal/slots"
)

// Role distinguishes which side of the TCP connection a Session sits on.
type Role int

const (
	// RoleDialer is the side that dials out after being told (via a
	// received $ConnectToMe) to connect to a peer.
	RoleDialer Role = iota
	// RoleListener is the side that accepted the inbound connection.
	RoleListener
)

type state int

const (
	stateNickWait state = iota
	stateLockWait
	stateDirectionNegotiated
	stateTransfer
	stateClosed
)

// Hooks are the external collaborators a Session needs: queue selection,
// upload-side path resolution, and segment-completion notification. All
// are supplied by the download manager / file-list store.
type Hooks struct {
	// Next returns the next queue item this peer nick is a candidate for,
	// or ok=false if there is nothing to download from them right now.
	Next func(peerNick string) (item *queue.Item, ok bool)
	// Resolve maps an ADCGET kind+identifier, requested by peerNick, to an
	// on-disk path and size for upload, returning an error if nothing
	// matches. peerNick lets the resolver pick the requester's group.
	Resolve func(peerNick, kind, identifier string) (path string, size int64, err error)
	// OnSegmentDone is called when a download segment finishes writing.
	OnSegmentDone func(it *queue.Item)
	// OnSegmentFailed is called when a download segment could not be
	// completed (transport error, peer closed mid-transfer).
	OnSegmentFailed func(it *queue.Item, err error)
}

var expectedKey = nmdcproto.Key(nmdcproto.FixedCCLock)

// Session is one peer-to-peer connection, either inbound or outbound.
type Session struct {
	role     Role
	ownNick  string
	conn     *conn.TCP
	fr       *framer.Framer
	log      logger.Logger
	hooks    Hooks
	supports []string

	incompleteDir string
	segmentSize   int64
	uploadSlots   *slots.Counter
	downloadSlots *slots.Counter

	mu           sync.Mutex
	state        state
	peerNick     string
	peerSupports map[string]struct{}
	peerDirection string
	peerRandom   int
	ownRandom    int
	sentTriple   bool
	selected     *queue.Item

	partFile  *os.File
	remaining int64

	downloadRate *ratecounter.Counter
	uploadRate   *ratecounter.Counter

	closeOnce sync.Once
	done      chan struct{}
}

// DownloadRate returns the smoothed bytes/sec this session is pulling down.
func (s *Session) DownloadRate() float64 { return s.downloadRate.Rate() }

// UploadRate returns the smoothed bytes/sec this session is pushing out.
func (s *Session) UploadRate() float64 { return s.uploadRate.Rate() }

// Config bundles the construction-time parameters a Session needs beyond
// the raw connection.
type Config struct {
	OwnNick       string
	Supports      []string
	IncompleteDir string
	SegmentSize   int64
	UploadSlots   *slots.Counter
	DownloadSlots *slots.Counter
	Hooks         Hooks
}

// New wraps an established connection as a peer session.
func New(c *conn.TCP, role Role, cfg Config) *Session {
	s := &Session{
		role:          role,
		ownNick:       cfg.OwnNick,
		conn:          c,
		fr:            framer.New(),
		log:           logger.New("peer"),
		hooks:         cfg.Hooks,
		supports:      cfg.Supports,
		incompleteDir: cfg.IncompleteDir,
		segmentSize:   cfg.SegmentSize,
		uploadSlots:   cfg.UploadSlots,
		downloadSlots: cfg.DownloadSlots,
		peerSupports:  make(map[string]struct{}),
		downloadRate:  ratecounter.New(),
		uploadRate:    ratecounter.New(),
		done:          make(chan struct{}),
	}
	s.fr.SetBinary(false, nil)
	return s
}

// PeerNick returns the negotiated remote nickname, once known.
func (s *Session) PeerNick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerNick
}

func (s *Session) send(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if err := s.conn.Send([]byte(line + "|")); err != nil {
		s.log.Debugln("send failed:", err)
	}
}

// Run is the session's read loop, run until the connection closes.
func (s *Session) Run() {
	s.mu.Lock()
	if s.role == RoleListener {
		s.send("$MyNick %s", s.ownNick)
	}
	s.mu.Unlock()

	go s.tickRates()

	buf := make([]byte, 256*1024)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.log.Debugln("peer connection ended:", err)
			s.fail(err)
			return
		}
		for _, frame := range s.fr.Feed(buf[:n]) {
			s.dispatch(string(frame))
		}
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	it := s.selected
	s.state = stateClosed
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	if it != nil && s.hooks.OnSegmentFailed != nil {
		s.hooks.OnSegmentFailed(it, err)
	}
}

// Close tears down the transport.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.conn.Close()
}

// tickRates advances the EWMA rate counters once per second until the
// session closes, the same cadence the teacher's torrent pieces are rated.
func (s *Session) tickRates() {
	ticker := time.NewTicker(ratecounter.TickerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.downloadRate.Tick()
			s.uploadRate.Tick()
		case <-s.done:
			return
		}
	}
}

func (s *Session) dispatch(line string) {
	switch {
	case strings.HasPrefix(line, "$MyNick "):
		s.handleMyNick(strings.TrimPrefix(line, "$MyNick "))
	case strings.HasPrefix(line, "$Lock "):
		s.handleLock(line)
	case strings.HasPrefix(line, "$Supports "):
		s.handleSupports(strings.TrimPrefix(line, "$Supports "))
	case strings.HasPrefix(line, "$Direction "):
		s.handleDirection(line)
	case strings.HasPrefix(line, "$Key "):
		s.handleKey(strings.TrimPrefix(line, "$Key "))
	case strings.HasPrefix(line, "$ADCGET "):
		s.handleADCGET(line)
	case strings.HasPrefix(line, "$ADCSND "):
		s.handleADCSND(line)
	case strings.HasPrefix(line, "$Error "):
		s.log.Debugln("peer error:", line)
	default:
		s.log.Debugln("ignoring unknown peer command:", line)
	}
}

func (s *Session) handleMyNick(nick string) {
	s.mu.Lock()
	first := s.peerNick == ""
	s.peerNick = nick
	role := s.role
	s.mu.Unlock()

	// Only the first $MyNick is answered; answering every one would make
	// the two sides echo nicks back and forth indefinitely.
	if first {
		s.send("$MyNick %s", s.ownNick)
		if role == RoleListener {
			s.send("$Lock %s Pk=dcshare", nmdcproto.FixedCCLock)
		}
	}
	s.mu.Lock()
	s.state = stateLockWait
	s.mu.Unlock()
}

func (s *Session) handleLock(line string) {
	fields := nmdcproto.LockRegexp.FindStringSubmatch(line)
	if fields == nil {
		return
	}
	// Every session advertises the fixed lock, so L2K(peer's lock) and
	// L2K(our own lock) are the same constant; sendTriple and handleKey
	// both just use expectedKey rather than recomputing it per peer.
	_ = fields[1]

	s.mu.Lock()
	role := s.role
	s.mu.Unlock()

	if role == RoleDialer {
		s.send("$Lock %s Pk=dcshare", nmdcproto.FixedCCLock)
		return
	}

	// Listener: pick a queue item (transfer_next) and announce direction.
	s.mu.Lock()
	item, ok := s.hooks.Next(s.peerNick)
	if ok {
		s.selected = item
	}
	s.sentTriple = true
	s.mu.Unlock()

	s.sendTriple(ok)
}

func (s *Session) sendTriple(wantDownload bool) {
	direction := "Upload"
	if wantDownload {
		direction = "Download"
	}
	r := rand.Int()

	s.mu.Lock()
	peerDir := s.peerDirection
	peerRand := s.peerRandom
	s.mu.Unlock()

	if wantDownload && peerDir == "Download" {
		for r == peerRand {
			r = rand.Int()
		}
	}

	s.send("$Supports %s", strings.Join(s.supports, " "))
	s.send("$Direction %s %d", direction, r)
	s.send("$Key %s", expectedKey)

	s.mu.Lock()
	s.ownRandom = r
	s.state = stateDirectionNegotiated
	s.mu.Unlock()
}

func (s *Session) handleSupports(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range strings.Fields(payload) {
		s.peerSupports[tok] = struct{}{}
	}
}

func (s *Session) handleDirection(line string) {
	m := nmdcproto.DirectionRegexp.FindStringSubmatch(line)
	if m == nil {
		return
	}
	r, _ := strconv.Atoi(m[2])
	s.mu.Lock()
	s.peerDirection = m[1]
	s.peerRandom = r
	s.mu.Unlock()
}

func (s *Session) handleKey(key string) {
	if key != expectedKey {
		s.log.Warningln("CC key mismatch, closing session")
		s.Close()
		return
	}

	s.mu.Lock()
	role := s.role
	sent := s.sentTriple
	s.mu.Unlock()

	if role == RoleDialer && !sent {
		s.mu.Lock()
		item, ok := s.hooks.Next(s.peerNick)
		if ok {
			s.selected = item
		}
		s.sentTriple = true
		s.mu.Unlock()
		s.sendTriple(ok)
	}

	s.electDirection()
}

// electDirection decides, once both sides' Direction+Key are known,
// whether this side downloads or uploads, per spec.md §4.3: "we download
// iff we have a selected item AND (peer direction is Upload OR our
// random > peer random)."
func (s *Session) electDirection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateDirectionNegotiated {
		return
	}
	if s.selected == nil {
		// We have nothing to download; we may only upload, which requires
		// no action from us beyond waiting for the peer's ADCGET.
		s.state = stateTransfer
		return
	}
	if s.peerDirection == "Upload" {
		s.startDownload()
		return
	}
	// Both sides wanted Download: the re-roll above only guarantees distinct
	// randoms when this side saw the peer's Download direction before
	// sending its own, which isn't always the case, so compare explicitly
	// and let the higher random download; the other side stays upload-only.
	if s.ownRandom > s.peerRandom {
		s.startDownload()
		return
	}
	s.state = stateTransfer
}

func (s *Session) startDownload() {
	s.state = stateTransfer
	go s.requestSegment(s.selected)
}

func (s *Session) partPath(it *queue.Item) string {
	return filepath.Join(s.incompleteDir, fmt.Sprintf("%s.part%d", nmdcproto.EscapeFilename(it.IncompleteBase), it.PartIndex))
}

// requestSegment emits $ADCGET for it, resuming from any partial .partN
// file already on disk.
func (s *Session) requestSegment(it *queue.Item) {
	path := s.partPath(it)
	var have int64
	if info, err := os.Stat(path); err == nil {
		have = info.Size()
	}
	offset := it.Offset + have
	length := it.Length - have
	if length < 0 {
		length = 0
	}

	identifier := it.ID
	if it.Kind == queue.KindFile {
		identifier = "files.xml.bz2"
	} else {
		identifier = "TTH/" + it.ID
	}

	zl1 := ""
	if _, ok := s.peerSupports["ZLIG"]; ok {
		if hasSupport(s.supports, "ZLIG") {
			zl1 = " ZL1"
		}
	}

	s.mu.Lock()
	s.remaining = length
	s.mu.Unlock()

	s.send("$ADCGET file %s %d %d%s", identifier, offset, length, zl1)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Errorln("failed to open part file:", err)
		if s.hooks.OnSegmentFailed != nil {
			s.hooks.OnSegmentFailed(it, err)
		}
		return
	}
	s.mu.Lock()
	s.partFile = f
	s.mu.Unlock()

	s.fr.SetBinary(true, s.onBinaryChunk)
}

func hasSupport(supports []string, token string) bool {
	for _, s := range supports {
		if s == token {
			return true
		}
	}
	return false
}

func (s *Session) onBinaryChunk(chunk []byte) {
	s.mu.Lock()
	f := s.partFile
	s.remaining -= int64(len(chunk))
	remaining := s.remaining
	it := s.selected
	s.mu.Unlock()

	if f == nil {
		return
	}
	s.downloadRate.Update(int64(len(chunk)))
	if _, err := f.Write(chunk); err != nil {
		s.log.Errorln("failed writing segment:", err)
		f.Close()
		if s.hooks.OnSegmentFailed != nil {
			s.hooks.OnSegmentFailed(it, err)
		}
		return
	}
	if remaining > 0 {
		return
	}

	f.Close()
	s.fr.SetBinary(false, nil)

	s.mu.Lock()
	s.partFile = nil
	s.selected = nil
	s.mu.Unlock()

	if s.hooks.OnSegmentDone != nil {
		s.hooks.OnSegmentDone(it)
	}

	next, ok := s.hooks.Next(s.PeerNick())
	if !ok {
		s.Close()
		return
	}
	s.mu.Lock()
	s.selected = next
	s.mu.Unlock()
	go s.requestSegment(next)
}

func (s *Session) handleADCGET(line string) {
	m := nmdcproto.ADCGetRegexp.FindStringSubmatch(line)
	if m == nil {
		return
	}
	kind, identifier := m[1], m[2]
	offset, _ := strconv.ParseInt(m[3], 10, 64)
	length, _ := strconv.ParseInt(m[4], 10, 64)

	path, size, err := s.hooks.Resolve(s.PeerNick(), kind, identifier)
	if err != nil {
		s.send("$Error File not found.")
		return
	}
	if length < 0 || offset+length > size {
		length = size - offset
	}
	if !s.uploadSlots.Acquire() {
		s.send("$Error All download slots already taken.")
		return
	}

	s.send("$ADCSND %s %s %d %d", kind, identifier, offset, length)
	go s.streamUpload(path, offset, length)
}

func (s *Session) streamUpload(path string, offset, length int64) {
	defer s.uploadSlots.Release()

	f, err := os.Open(path)
	if err != nil {
		s.log.Errorln("upload open failed:", err)
		return
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		s.log.Errorln("upload seek failed:", err)
		return
	}

	buf := make([]byte, s.segmentSize)
	if len(buf) == 0 || int64(len(buf)) > length {
		buf = make([]byte, length)
	}
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		read, err := f.Read(buf[:n])
		if read > 0 {
			if werr := s.conn.Send(buf[:read]); werr != nil {
				s.log.Debugln("upload send failed:", werr)
				return
			}
			s.uploadRate.Update(int64(read))
			remaining -= int64(read)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleADCSND(line string) {
	m := nmdcproto.ADCSndRegexp.FindStringSubmatch(line)
	if m == nil {
		return
	}
	size, _ := strconv.ParseInt(m[4], 10, 64)

	s.mu.Lock()
	it := s.selected
	if it != nil && it.TargetSize == 0 {
		it.TargetSize = size
	}
	s.remaining = size
	s.mu.Unlock()

	path := ""
	if it != nil {
		path = s.partPath(it)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Errorln("failed to open part file for download:", err)
		return
	}
	s.mu.Lock()
	s.partFile = f
	s.mu.Unlock()
	s.fr.SetBinary(true, s.onBinaryChunk)
}
