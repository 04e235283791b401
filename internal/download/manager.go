// Package download implements the segmented download manager: it owns the
// transfer queue, expands TTH items into segments once their size is
// known, and reassembles completed segments into destination files
// (spec.md §4.4). Each cycle is skipped while the download-slot counter is
// full; the manager only reads that counter and does not acquire or
// release download slots itself.
package download

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/dcshare/internal/logger"
	"github.com/cenkalti/dcshare/internal/nmdcproto"
	"github.com/cenkalti/dcshare/internal/queue"
	"github.com/cenkalti/dcshare/internal/slots"
)

// Source is one candidate peer nick offering a TTH item, as returned by a
// TTH search.
type Source struct {
	Nick string
	Name string
	Size int64
}

// Hooks are the external collaborators the manager calls out to.
type Hooks struct {
	// SearchTTH issues a `TTH:<root>` search in auto mode and blocks for
	// searchTimeAuto, returning whatever sources arrived.
	SearchTTH func(root string, timeout time.Duration) []Source
	// Connect asks the rendezvous layer (hub ConnectToMe/RevConnectToMe)
	// to open a peer session with nick for item; the resulting transfer
	// proceeds independently through the peer package and reports back
	// via the manager's SegmentDone/SegmentFailed entry points.
	Connect func(nick string, it *queue.Item)
	// RosterHasNick reports whether nick is still online, used to avoid
	// connecting to a peer the hub has already dropped.
	RosterHasNick func(nick string) bool
	// DecompressFileList inflates a reassembled file-list from .xml.bz2 to
	// .xml.
	DecompressFileList func(bz2Path, xmlPath string) error
}

// Manager owns the queue and runs the periodic download cadence loop.
type Manager struct {
	q             *queue.Queue
	hooks         Hooks
	log           logger.Logger
	downloadSlots *slots.Counter
	segmentSize   int64
	searchTimeout time.Duration
	incompleteDir string
	downloadsDir  string

	transferMu sync.Mutex
	inTransfer map[string]struct{} // nick currently in an open transfer, best-effort de-dup

	stopC chan struct{}
	doneC chan struct{}
}

// Config bundles Manager construction parameters.
type Config struct {
	DownloadSlots *slots.Counter
	SegmentSize   int64
	SearchTimeout time.Duration
	IncompleteDir string
	DownloadsDir  string
	Hooks         Hooks
}

// New returns a Manager backed by an empty queue.
func New(cfg Config) *Manager {
	return &Manager{
		q:             queue.New(),
		hooks:         cfg.Hooks,
		log:           logger.New("download"),
		downloadSlots: cfg.DownloadSlots,
		segmentSize:   cfg.SegmentSize,
		searchTimeout: cfg.SearchTimeout,
		incompleteDir: cfg.IncompleteDir,
		downloadsDir:  cfg.DownloadsDir,
		inTransfer:    make(map[string]struct{}),
		stopC:         make(chan struct{}),
		doneC:         make(chan struct{}),
	}
}

// Queue exposes the underlying queue for enqueuing new items and for the
// peer package's Next/OnSegmentDone hooks.
func (m *Manager) Queue() *queue.Queue { return m.q }

// EnqueueFile adds a literal file-list pull.
func (m *Manager) EnqueueFile(id, incompleteBase, targetName, targetLocation, candidateNick string, priority int) {
	m.q.Add(&queue.Item{
		ID:             id,
		IncompleteBase: incompleteBase,
		PartIndex:      0,
		PartCount:      1,
		Kind:           queue.KindFile,
		Candidates:     map[string]struct{}{candidateNick: {}},
		Priority:       priority,
		TargetName:     targetName,
		TargetLocation: targetLocation,
	})
}

// EnqueueTTH adds an unexpanded TTH item (spec.md §9 open question 6: the
// unexpanded record carries an explicit PartIndex/PartCount sentinel
// instead of omitting the part key).
func (m *Manager) EnqueueTTH(root, targetName, targetLocation string, priority int, onSuccess, onFailure queue.Callback, arg interface{}) {
	m.q.Add(&queue.Item{
		ID:             root,
		IncompleteBase: root,
		PartIndex:      0,
		PartCount:      queue.Unexpanded,
		Kind:           queue.KindTTH,
		Candidates:     map[string]struct{}{},
		Priority:       priority,
		TargetName:     targetName,
		TargetLocation: targetLocation,
		OnSuccess:      onSuccess,
		OnFailure:      onFailure,
		Arg:            arg,
	})
}

// Run is the single-threaded cadence loop (spec.md §4.4).
func (m *Manager) Run(interval time.Duration) {
	defer close(m.doneC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopC:
			return
		case <-ticker.C:
			m.cycle()
		}
	}
}

// Stop requests termination and waits for Run to return.
func (m *Manager) Stop() {
	close(m.stopC)
	<-m.doneC
}

func (m *Manager) cycle() {
	if m.downloadSlots.InUse() >= m.downloadSlots.Cap() {
		return
	}
	for _, it := range m.q.Snapshot() {
		if it.Active || it.Considered {
			continue
		}
		switch {
		case it.Kind == queue.KindFile:
			m.stepFileItem(it)
		case it.PartCount == queue.Unexpanded:
			m.stepUnexpandedTTH(it)
		default:
			m.stepSegment(it)
		}
	}
}

func (m *Manager) stepFileItem(it *queue.Item) {
	it.Considered = true
	var nick string
	for n := range it.Candidates {
		nick = n
		break
	}
	if nick == "" || (m.hooks.RosterHasNick != nil && !m.hooks.RosterHasNick(nick)) {
		m.q.Remove(it.ID, it.PartIndex)
		if it.OnFailure != nil {
			it.OnFailure(it.Arg)
		}
		return
	}
	m.hooks.Connect(nick, it)
}

func (m *Manager) stepUnexpandedTTH(it *queue.Item) {
	if m.hooks.SearchTTH == nil {
		return
	}
	sources := m.hooks.SearchTTH(it.ID, m.searchTimeout)
	if len(sources) == 0 {
		return
	}
	m.q.Remove(it.ID, it.PartIndex)

	first := sources[0]
	if it.TargetName == "" {
		it.TargetName = first.Name
	}
	it.TargetSize = first.Size
	for _, src := range sources {
		it.Candidates[src.Nick] = struct{}{}
	}

	if first.Size == 0 {
		path := m.destinationPath(it)
		if f, err := os.Create(path); err == nil {
			f.Close()
		}
		if it.OnSuccess != nil {
			it.OnSuccess(it.Arg)
		}
		return
	}

	for _, seg := range queue.Expand(it, first.Size, m.segmentSize) {
		m.q.Add(seg)
	}
}

func (m *Manager) stepSegment(it *queue.Item) {
	complete, err := m.verify(it)
	if err != nil {
		m.log.Warningln("verify failed for", it.ID, it.PartIndex, ":", err)
		return
	}
	if complete {
		m.q.Remove(it.ID, it.PartIndex)
		m.rebuild(it)
		return
	}

	m.transferMu.Lock()
	candidates := make([]string, 0, len(it.Candidates))
	for nick := range it.Candidates {
		if _, busy := m.inTransfer[nick]; busy {
			continue
		}
		if m.hooks.RosterHasNick != nil && !m.hooks.RosterHasNick(nick) {
			continue
		}
		candidates = append(candidates, nick)
	}
	m.transferMu.Unlock()
	if len(candidates) == 0 {
		return
	}
	nick := candidates[rand.Intn(len(candidates))]
	it.Considered = true
	m.hooks.Connect(nick, it)
}

// NextForPeer implements the peer package's Hooks.Next: it selects the
// next queued item nick is a candidate for, rebuilding any sibling items
// that failed verification along the way, and marks nick as occupied
// until SegmentDone or SegmentFailed releases it.
func (m *Manager) NextForPeer(nick string) (*queue.Item, bool) {
	needsDownload := func(it *queue.Item) (bool, error) {
		complete, err := m.verify(it)
		return !complete, err
	}
	it, toRebuild, err := m.q.Next(nick, needsDownload)
	for _, r := range toRebuild {
		m.q.Remove(r.ID, r.PartIndex)
		m.rebuild(r)
	}
	if err != nil || it == nil {
		return nil, false
	}
	m.transferMu.Lock()
	m.inTransfer[nick] = struct{}{}
	m.transferMu.Unlock()
	return it, true
}

// SegmentDone implements the peer package's Hooks.OnSegmentDone: it frees
// nick for the next cycle and releases the item's active flag so the next
// cadence tick re-verifies and, once all siblings land, reassembles it.
func (m *Manager) SegmentDone(nick string, it *queue.Item) {
	m.transferMu.Lock()
	delete(m.inTransfer, nick)
	m.transferMu.Unlock()
	m.q.Release(it.ID, it.PartIndex)
}

// SegmentFailed implements the peer package's Hooks.OnSegmentFailed.
func (m *Manager) SegmentFailed(nick string, it *queue.Item, err error) {
	m.log.Warningln("segment failed from", nick, ":", err)
	m.transferMu.Lock()
	delete(m.inTransfer, nick)
	m.transferMu.Unlock()
	m.q.Release(it.ID, it.PartIndex)
}

// verify reports whether the item's backing .partN file is complete: it
// returns false when the file is absent or shorter than it.Length, and
// true once the file has the full expected length. NextForPeer passes its
// negation to Queue.Next, which selects items that still need data.
func (m *Manager) verify(it *queue.Item) (bool, error) {
	path := m.partPath(it)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() >= it.Length, nil
}

func (m *Manager) partPath(it *queue.Item) string {
	return filepath.Join(m.incompleteDir, fmt.Sprintf("%s.part%d", nmdcproto.EscapeFilename(it.IncompleteBase), it.PartIndex))
}

// rebuild implements transfer_rebuild (spec.md §4.4).
func (m *Manager) rebuild(it *queue.Item) {
	if m.q.SiblingsRemain(it.ID, it.TargetName, it.PartIndex) {
		return
	}

	for i := 0; i < it.PartCount; i++ {
		p := &queue.Item{ID: it.ID, IncompleteBase: it.IncompleteBase, PartIndex: i, Length: partLength(it, i, m.segmentSize)}
		path := m.partPath(p)
		info, err := os.Stat(path)
		switch {
		case os.IsNotExist(err):
			m.requeueRepair(it, i, 0)
		case err == nil && info.Size() > p.Length:
			os.Remove(path)
			m.requeueRepair(it, i, 0)
		case err == nil && info.Size() < p.Length:
			m.requeueRepair(it, i, info.Size())
		}
	}

	if m.anyRepairQueued(it.ID) {
		return
	}

	dest := m.destinationPath(it)
	if err := m.concatenate(it, dest); err != nil {
		m.log.Errorln("reassembly failed for", it.TargetName, ":", err)
		if it.OnFailure != nil {
			it.OnFailure(it.Arg)
		}
		return
	}

	if strings.HasSuffix(it.TargetName, ".xml.bz2") && m.hooks.DecompressFileList != nil {
		xmlPath := strings.TrimSuffix(dest, ".bz2")
		if err := m.hooks.DecompressFileList(dest, xmlPath); err == nil {
			os.Remove(dest)
		}
	}

	if it.OnSuccess != nil {
		it.OnSuccess(it.Arg)
	}
}

func partLength(it *queue.Item, part int, segmentSize int64) int64 {
	if part == it.PartCount-1 {
		return queue.LastSegmentLength(it.TargetSize, segmentSize)
	}
	return segmentSize
}

func (m *Manager) requeueRepair(it *queue.Item, part int, have int64) {
	candidates := make(map[string]struct{}, len(it.Candidates))
	for n := range it.Candidates {
		candidates[n] = struct{}{}
	}
	m.q.Add(&queue.Item{
		ID:             it.ID,
		IncompleteBase: it.IncompleteBase,
		PartIndex:      part,
		PartCount:      it.PartCount,
		Kind:           it.Kind,
		Candidates:     candidates,
		Offset:         int64(part)*m.segmentSize + have,
		Length:         partLength(it, part, m.segmentSize) - have,
		Priority:       it.Priority,
		TargetName:     it.TargetName,
		TargetSize:     it.TargetSize,
		TargetLocation: it.TargetLocation,
		OnSuccess:      it.OnSuccess,
		OnFailure:      it.OnFailure,
		Arg:            it.Arg,
	})
}

func (m *Manager) anyRepairQueued(id string) bool {
	for _, q := range m.q.Snapshot() {
		if q.ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) destinationPath(it *queue.Item) string {
	dir := m.downloadsDir
	if it.TargetLocation != "" {
		if info, err := os.Stat(it.TargetLocation); err == nil && info.IsDir() {
			dir = it.TargetLocation
		}
	}
	ext := filepath.Ext(it.TargetName)
	stem := strings.TrimSuffix(it.TargetName, ext)
	candidate := filepath.Join(dir, it.TargetName)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
}

func (m *Manager) concatenate(it *queue.Item, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	paths := make([]string, it.PartCount)
	for i := 0; i < it.PartCount; i++ {
		paths[i] = m.partPath(&queue.Item{IncompleteBase: it.IncompleteBase, PartIndex: i})
	}

	for _, p := range paths {
		if err := appendFile(out, p); err != nil {
			return err
		}
	}
	for _, p := range paths {
		removeWithRetry(p)
	}
	return nil
}

func appendFile(out *os.File, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	buf := make([]byte, 256*1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			break
		}
	}
	return nil
}

// removeWithRetry implements spec.md §7's "missing source during
// reassembly retry: busy-wait 1s and retry" for the file-busy case on the
// deletion side of the same operation.
func removeWithRetry(path string) {
	for attempt := 0; attempt < 3; attempt++ {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(time.Second)
	}
}
