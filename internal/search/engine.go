// Package search implements query construction, the active/passive
// responder, and result delivery described in spec.md §4.7.
package search

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/dcshare/internal/conn"
	"github.com/cenkalti/dcshare/internal/filelist"
	"github.com/cenkalti/dcshare/internal/logger"
	"github.com/cenkalti/dcshare/internal/nmdcproto"
	"github.com/cenkalti/dcshare/internal/slots"
)

// Mode distinguishes a user-initiated search from an automatic one (the
// download manager's TTH source discovery), which only differ in their
// timeout budget.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

// Sink receives one validated Result at a time, in arrival order.
type Sink func(Result)

// GroupResolver resolves the acting group for an incoming search, per
// spec.md §4.7: active mode consults roster IP ambiguity, passive mode
// uses the requester's own group. DefaultName is the group a nick falls
// back to before it has been assigned one (internal/group.Default).
type GroupResolver interface {
	NicksForIP(ip string) []string
	Find(nick string) string
	DefaultName() string
}

type record struct {
	query    Query
	mode     Mode
	sink     Sink
	udp      *conn.UDP
	deadline time.Time
}

// Identity is the subset of client identity the engine needs to build
// $Search and $SR frames.
type Identity struct {
	Nickname    string
	LocalIP     string
	Active      bool
	ListenPort  uint16
	HubName     string
	UploadSlots *slots.Counter
}

// Engine issues and responds to searches against a file-list Store.
type Engine struct {
	store    *filelist.Store
	resolver GroupResolver
	log      logger.Logger
	sendHub  func(raw string) error

	mu      sync.Mutex
	id      Identity
	records map[string]*record
}

// New returns an Engine that serves group from store and sends hub-relayed
// frames via sendHub.
func New(id Identity, store *filelist.Store, resolver GroupResolver, sendHub func(raw string) error) *Engine {
	return &Engine{
		id:       id,
		store:    store,
		resolver: resolver,
		log:      logger.New("search"),
		sendHub:  sendHub,
		records:  make(map[string]*record),
	}
}

// SetHubName updates the hub name advertised in folder $SR results, once
// the hub's $HubName frame arrives.
func (e *Engine) SetHubName(name string) {
	e.mu.Lock()
	e.id.HubName = name
	e.mu.Unlock()
}

// Search registers q, sends it per the active/passive mode, and delivers
// validated results to sink until the search's time budget expires.
func (e *Engine) Search(q Query, mode Mode, timeout time.Duration, sink Sink) error {
	tuple := q.Tuple()

	rec := &record{query: q, mode: mode, sink: sink, deadline: time.Now().Add(timeout)}

	if e.id.Active {
		udp, err := conn.ListenUDPRandomPort(e.id.LocalIP, 32)
		if err != nil {
			return err
		}
		rec.udp = udp
		e.mu.Lock()
		e.records[tuple] = rec
		e.mu.Unlock()

		if err := e.sendHub(fmt.Sprintf("$Search %s:%d %s", e.id.LocalIP, udp.LocalPort(), tuple)); err != nil {
			udp.Close()
			return err
		}
		go e.runActiveListener(tuple, udp, timeout)
		return nil
	}

	e.mu.Lock()
	e.records[tuple] = rec
	e.mu.Unlock()
	time.AfterFunc(timeout, func() {
		e.mu.Lock()
		if e.records[tuple] == rec {
			delete(e.records, tuple)
		}
		e.mu.Unlock()
	})
	return e.sendHub(fmt.Sprintf("$Search Hub:%s %s", e.id.Nickname, tuple))
}

func (e *Engine) runActiveListener(tuple string, udp *conn.UDP, timeout time.Duration) {
	defer func() {
		e.mu.Lock()
		delete(e.records, tuple)
		e.mu.Unlock()
		udp.Close()
	}()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		udp.SetReadDeadline(time.Now().Add(remaining))
		n, _, err := udp.ReadFrom(buf)
		if err != nil {
			return
		}
		e.deliverResult(tuple, string(buf[:n]))
	}
}

func (e *Engine) deliverResult(tuple, line string) {
	e.mu.Lock()
	rec, ok := e.records[tuple]
	e.mu.Unlock()
	if !ok {
		return
	}
	result, valid := ParseResult(line, rec.query)
	if !valid {
		return
	}
	if rec.sink != nil {
		rec.sink(result)
	}
}

// HandlePassiveResult is the hub's $SR sink, dispatching to whichever
// registered passive search the line matches.
func (e *Engine) HandlePassiveResult(line string) {
	e.mu.Lock()
	recs := make(map[string]*record, len(e.records))
	for k, v := range e.records {
		if v.udp == nil {
			recs[k] = v
		}
	}
	e.mu.Unlock()
	for tuple, rec := range recs {
		if result, ok := ParseResult(line, rec.query); ok {
			if rec.sink != nil {
				rec.sink(result)
			}
			return
		}
		_ = tuple
	}
}

// Respond implements the hub's $Search sink: it matches an inbound query
// against the acting group's file-list and sends up to sampleCount
// results, either over UDP (active requester) or via the hub (passive).
func (e *Engine) Respond(line, sourceIP string, sampleCount int) {
	var requesterIP, requesterNick string
	var port int
	var tuple string

	if m := nmdcproto.ActiveSearchRequestRegexp.FindStringSubmatch(line); m != nil {
		requesterIP = m[1]
		fmt.Sscanf(m[2], "%d", &port)
		tuple = m[3]
	} else if m := nmdcproto.PassiveSearchRequestRegexp.FindStringSubmatch(line); m != nil {
		requesterNick = m[1]
		tuple = m[2]
	} else {
		return
	}

	q, ok := ParseTuple(tuple)
	if !ok {
		return
	}

	group := e.resolveGroup(requesterIP, requesterNick)
	rows := e.store.Match(group, q.Matches)
	rows = sample(rows, sampleCount)

	for _, row := range rows {
		var frame string
		if row.Dir {
			frame = FormatFolder(e.id.Nickname, row.Path, e.id.UploadSlots.InUse(), e.id.UploadSlots.Cap(), e.id.HubName, e.id.LocalIP, int(e.id.ListenPort), requesterNick)
		} else {
			frame = FormatFile(e.id.Nickname, row.Path, row.Size, e.id.UploadSlots.InUse(), e.id.UploadSlots.Cap(), row.TTH, e.id.LocalIP, int(e.id.ListenPort), requesterNick)
		}
		if requesterIP != "" {
			e.sendUDP(requesterIP, port, frame)
		} else {
			e.sendHub(frame)
		}
	}
}

func (e *Engine) sendUDP(host string, port int, frame string) {
	udp, err := conn.ListenUDPRandomPort(e.id.LocalIP, 32)
	if err != nil {
		e.log.Warningln("failed to bind reply socket:", err)
		return
	}
	defer udp.Close()
	addr, err := resolveUDPAddr(host, port)
	if err != nil {
		return
	}
	udp.SendTo(addr, []byte(frame+"|"))
}

func (e *Engine) resolveGroup(requesterIP, requesterNick string) string {
	if requesterIP != "" {
		nicks := e.resolver.NicksForIP(requesterIP)
		if len(nicks) == 1 {
			return e.resolver.Find(nicks[0])
		}
		return e.resolver.DefaultName()
	}
	return e.resolver.Find(requesterNick)
}

func resolveUDPAddr(host string, port int) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
}

func sample(rows []filelist.Row, n int) []filelist.Row {
	if n <= 0 || len(rows) <= n {
		return rows
	}
	out := make([]filelist.Row, len(rows))
	copy(out, rows)
	for i := len(out) - 1; i > 0; i-- {
		j := pseudoRand(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out[:n]
}

// pseudoRand derives an index in [0,n) from the wall clock instead of
// math/rand. It is neither deterministic nor statistically strong; it only
// keeps sample() from always returning the same prefix of matches.
func pseudoRand(n int) int {
	return int(time.Now().UnixNano()) % n
}
