// Package hub implements the NMDC hub protocol state machine: the
// handshake, the user roster, and command dispatch for chat, private
// message, search, and peer-rendezvous traffic.
package hub

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/dcshare/internal/conn"
	"github.com/cenkalti/dcshare/internal/framer"
	"github.com/cenkalti/dcshare/internal/logger"
	"github.com/cenkalti/dcshare/internal/nmdcproto"
)

// Identity is the subset of client identity the hub handshake needs to
// announce itself; it mirrors the root Config.Identity fields the hub
// session reads from.
type Identity struct {
	Nickname      string
	Password      string
	Description   string
	Email         string
	Speed         string
	StatusFlag    byte
	ClientName    string
	ClientVersion string
	Supports      []string
	Active        bool
	ListenPort    uint16
	UploadSlots   int

	// KeepAlivePeriod is the interval at which an empty frame is sent to
	// keep the hub connection alive through idle NAT/firewall timeouts.
	// Zero disables the keepalive ticker.
	KeepAlivePeriod time.Duration
	// ReconnectRetries is how many times Run redials after an
	// unexpected disconnect before giving up. Zero disables reconnect.
	ReconnectRetries int
	// ReconnectBackoff is the delay before each redial attempt.
	ReconnectBackoff time.Duration
}

// Sinks are the external collaborators a Session delivers parsed frames
// to. Every field is optional; a nil sink silently discards the frame.
type Sinks struct {
	Chat            func(line string)
	PrivateMessage  func(fromNick, senderTag, body string)
	HubName         func(name string)
	HubTopic        func(topic string)
	Search          func(raw string)
	SearchResult    func(raw string)
	ConnectToMe     func(host string, port int)
	RevConnectToMe  func(peerNick string)
	RosterChanged   func()
}

// Session is one connection to one hub.
type Session struct {
	id     Identity
	log    logger.Logger
	sinks  Sinks
	roster *Roster
	host   string
	port   int

	connMu sync.RWMutex
	conn   *conn.TCP
	fr     *framer.Framer

	mu         sync.Mutex
	lock       string
	topic      string
	hubName    string
	terminated bool
}

// Dial connects to a hub at host:port and returns a Session ready to Run.
func Dial(host string, port int, id Identity, sinks Sinks) (*Session, error) {
	c, err := conn.DialTCP(host, port, 0)
	if err != nil {
		return nil, err
	}
	return New(c, host, port, id, sinks), nil
}

// New wraps an already-established connection (used by Dial and by
// tests).
func New(c *conn.TCP, host string, port int, id Identity, sinks Sinks) *Session {
	return &Session{
		id:     id,
		conn:   c,
		fr:     framer.New(),
		log:    logger.New("hub " + host),
		sinks:  sinks,
		roster: NewRoster(),
		host:   host,
		port:   port,
	}
}

// Roster exposes the live user registry for callers that need to resolve
// a nick (e.g. the search engine resolving an active responder's group).
func (s *Session) Roster() *Roster { return s.roster }

// Send frames and writes raw to the hub, appending the trailing '|'.
func (s *Session) Send(raw string) error {
	s.connMu.RLock()
	c := s.conn
	s.connMu.RUnlock()
	return c.Send([]byte(raw + "|"))
}

// sendf is a convenience Send wrapper for formatted commands.
func (s *Session) sendf(format string, args ...interface{}) error {
	return s.Send(fmt.Sprintf(format, args...))
}

// Run is the session's read loop. It blocks until the connection closes
// or Disconnect is called, dispatching every framed command in arrival
// order, matching spec.md §5 ("commands from a single TCP connection are
// processed in arrival order"). An unexpected disconnect is retried, with
// backoff, up to Identity.ReconnectRetries times before Run returns.
func (s *Session) Run() {
	if s.id.KeepAlivePeriod > 0 {
		go s.keepAlive()
	}

	retriesLeft := s.id.ReconnectRetries
	for {
		s.runOnce()

		s.mu.Lock()
		terminated := s.terminated
		s.mu.Unlock()
		if terminated || retriesLeft <= 0 {
			return
		}
		retriesLeft--

		time.Sleep(s.id.ReconnectBackoff)
		c, err := conn.DialTCP(s.host, s.port, 0)
		if err != nil {
			s.log.Warningln("reconnect dial failed:", err)
			continue
		}
		s.connMu.Lock()
		s.conn = c
		s.fr = framer.New()
		s.connMu.Unlock()
		s.log.Infoln("reconnected to hub, retries left:", retriesLeft)
	}
}

func (s *Session) runOnce() {
	s.connMu.RLock()
	c := s.conn
	fr := s.fr
	s.connMu.RUnlock()

	buf := make([]byte, 64*1024)
	for {
		n, err := c.Read(buf)
		if err != nil {
			s.log.Debugln("hub connection ended:", err)
			return
		}
		for _, cmd := range fr.Feed(buf[:n]) {
			s.dispatch(string(cmd))
		}
	}
}

// keepAlive sends an empty frame on Identity.KeepAlivePeriod to hold the
// connection open through idle NAT timeouts, until Disconnect closes it.
func (s *Session) keepAlive() {
	ticker := time.NewTicker(s.id.KeepAlivePeriod)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		terminated := s.terminated
		s.mu.Unlock()
		if terminated {
			return
		}
		s.Send("")
	}
}

// Disconnect closes the transport, ending Run.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
	s.connMu.RLock()
	c := s.conn
	s.connMu.RUnlock()
	c.Close()
}

func (s *Session) dispatch(line string) {
	switch {
	case strings.HasPrefix(line, "$Lock "):
		s.handleLock(line)
	case strings.HasPrefix(line, "$Supports"):
		// Server support tokens are informational only; nothing downstream
		// currently branches on them.
	case strings.HasPrefix(line, "$HubName "):
		s.mu.Lock()
		s.hubName = strings.TrimPrefix(line, "$HubName ")
		name := s.hubName
		s.mu.Unlock()
		if s.sinks.HubName != nil {
			s.sinks.HubName(name)
		}
	case strings.HasPrefix(line, "$GetPass"):
		s.sendf("$MyPass %s", s.id.Password)
	case line == "$BadPass":
		s.log.Warningln("hub rejected password")
		s.Disconnect()
	case strings.HasPrefix(line, "$Hello "):
		s.handleHello(strings.TrimPrefix(line, "$Hello "))
	case line == "$LogedIn":
		s.roster.SetOperator(s.id.Nickname, true)
	case strings.HasPrefix(line, "$HubTopic "):
		s.mu.Lock()
		s.topic = strings.TrimPrefix(line, "$HubTopic ")
		topic := s.topic
		s.mu.Unlock()
		if s.sinks.HubTopic != nil {
			s.sinks.HubTopic(topic)
		}
	case strings.HasPrefix(line, "$NickList "):
		s.handleNickList(strings.TrimPrefix(line, "$NickList "))
	case strings.HasPrefix(line, "$OpList "):
		s.handleOpList(strings.TrimPrefix(line, "$OpList "))
	case strings.HasPrefix(line, "$BotList "):
		s.handleBotList(strings.TrimPrefix(line, "$BotList "))
	case strings.HasPrefix(line, "$UserIP "):
		s.handleUserIP(strings.TrimPrefix(line, "$UserIP "))
	case strings.HasPrefix(line, "$MyINFO $ALL "):
		s.handleMyINFO(line)
	case strings.HasPrefix(line, "$To: "):
		s.handleTo(line)
	case strings.HasPrefix(line, "$Quit "):
		s.roster.Remove(strings.TrimPrefix(line, "$Quit "))
		if s.sinks.RosterChanged != nil {
			s.sinks.RosterChanged()
		}
	case strings.HasPrefix(line, "$ForceMove "):
		s.handleForceMove(strings.TrimPrefix(line, "$ForceMove "))
	case strings.HasPrefix(line, "$Search "):
		if s.sinks.Search != nil {
			s.sinks.Search(line)
		}
	case strings.HasPrefix(line, "$SR "):
		if s.sinks.SearchResult != nil {
			s.sinks.SearchResult(line)
		}
	case strings.HasPrefix(line, "$ConnectToMe "):
		s.handleConnectToMe(line)
	case strings.HasPrefix(line, "$RevConnectToMe "):
		s.handleRevConnectToMe(line)
	case strings.HasPrefix(line, "<"):
		// The hub echoes our own outgoing chat back to us; SendChat's
		// caller already has it, so don't hand it to the sink twice.
		if strings.HasPrefix(line, "<"+s.id.Nickname+">") {
			return
		}
		if s.sinks.Chat != nil {
			s.sinks.Chat(line)
		}
	default:
		s.log.Debugln("ignoring unknown hub command:", line)
	}
}

func (s *Session) handleLock(line string) {
	fields := nmdcproto.LockRegexp.FindStringSubmatch(line)
	if fields == nil {
		s.log.Debugln("malformed $Lock frame:", line)
		return
	}
	lock := fields[1]
	s.mu.Lock()
	s.lock = lock
	s.mu.Unlock()

	key := nmdcproto.Key(lock)
	supports := strings.Join(s.id.Supports, " ")
	s.sendf("$Supports %s", supports)
	s.sendf("$Key %s", key)
	s.sendf("$ValidateNick %s", s.id.Nickname)
}

func (s *Session) handleHello(nick string) {
	if nick != s.id.Nickname {
		s.roster.Upsert(nick)
		if s.sinks.RosterChanged != nil {
			s.sinks.RosterChanged()
		}
		return
	}
	s.sendf("$Version 1,0091")
	s.Send(s.myInfoFrame())
	s.Send("$GetNickList")
}

func (s *Session) myInfoFrame() string {
	mode := "P"
	if s.id.Active {
		mode = "A"
	}
	tag := fmt.Sprintf("<%s V:%s,M:%s,H:1/0/0,S:%d>", s.id.ClientName, s.id.ClientVersion, mode, s.id.UploadSlots)
	desc := nmdcproto.EscapeChat(s.id.Description)
	return fmt.Sprintf("$MyINFO $ALL %s %s%s$ $%s%c$%s$0$",
		s.id.Nickname, desc, tag, s.id.Speed, s.id.StatusFlag, s.id.Email)
}

func (s *Session) handleNickList(payload string) {
	nicks := strings.Split(strings.TrimSuffix(payload, "$$"), "$$")
	for _, n := range nicks {
		if n == "" {
			continue
		}
		s.roster.Upsert(n)
	}
	if s.sinks.RosterChanged != nil {
		s.sinks.RosterChanged()
	}
	s.Send("$UserIP " + s.id.Nickname)
}

func (s *Session) handleOpList(payload string) {
	for _, n := range strings.Split(strings.TrimSuffix(payload, "$$"), "$$") {
		if n == "" {
			continue
		}
		s.roster.SetOperator(n, true)
	}
}

func (s *Session) handleBotList(payload string) {
	for _, n := range strings.Split(strings.TrimSuffix(payload, "$$"), "$$") {
		if n == "" {
			continue
		}
		s.roster.SetBot(n, true)
	}
}

func (s *Session) handleUserIP(payload string) {
	for _, pair := range strings.Split(strings.TrimSuffix(payload, "$$"), "$$") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, " ", 2)
		if len(parts) != 2 {
			continue
		}
		s.roster.UpdateIP(parts[0], parts[1])
	}
}

func (s *Session) handleMyINFO(line string) {
	m := nmdcproto.MyInfoRegexp.FindStringSubmatch(line)
	if m == nil {
		s.log.Debugln("malformed $MyINFO frame:", line)
		return
	}
	nick := m[1]
	description := nmdcproto.UnescapeChat(m[2])
	connTag := m[3]
	var flag byte
	if len(m[4]) > 0 {
		flag = m[4][0]
	}
	email := m[5]
	share, _ := strconv.ParseInt(m[6], 10, 64)
	s.roster.UpdateMyINFO(nick, description, connTag, flag, email, share)
}

func (s *Session) handleTo(line string) {
	m := nmdcproto.ToRegexp.FindStringSubmatch(line)
	if m == nil {
		s.log.Debugln("malformed $To: frame:", line)
		return
	}
	fromNick, senderTag, body := m[2], m[3], m[4]
	if s.sinks.PrivateMessage != nil {
		s.sinks.PrivateMessage(fromNick, senderTag, nmdcproto.UnescapeChat(body))
	}
}

func (s *Session) handleForceMove(target string) {
	host, portStr, found := strings.Cut(target, ":")
	port := s.port
	if found {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	if host == s.host && port == s.port {
		return
	}
	s.log.Infoln("hub requested move to", target)
	// Closing the transport without setting terminated lets Run's redial
	// path (which dials s.host:s.port) connect to the new endpoint.
	s.host, s.port = host, port
	s.connMu.RLock()
	c := s.conn
	s.connMu.RUnlock()
	c.Close()
}

func (s *Session) handleConnectToMe(line string) {
	m := nmdcproto.ConnectToMeRegexp.FindStringSubmatch(line)
	if m == nil {
		return
	}
	port, err := strconv.Atoi(m[3])
	if err != nil {
		return
	}
	if s.sinks.ConnectToMe != nil {
		s.sinks.ConnectToMe(m[2], port)
	}
}

func (s *Session) handleRevConnectToMe(line string) {
	m := nmdcproto.RevConnectToMeRegexp.FindStringSubmatch(line)
	if m == nil {
		return
	}
	if !s.id.Active {
		return
	}
	if s.sinks.RevConnectToMe != nil {
		s.sinks.RevConnectToMe(m[1])
	}
}

// SendSearch forwards an already-built $Search frame to the hub, used for
// passive-mode queries that must be relayed rather than sent via UDP.
func (s *Session) SendSearch(raw string) error { return s.Send(raw) }

// SendChat emits a main-chat line, escaping the body per spec.md §6.
func (s *Session) SendChat(body string) error {
	return s.sendf("<%s> %s", s.id.Nickname, nmdcproto.EscapeChat(body))
}

// SendPrivateMessage emits a $To: frame addressed to toNick.
func (s *Session) SendPrivateMessage(toNick, body string) error {
	return s.sendf("$To: %s From: %s $<%s> %s", toNick, s.id.Nickname, s.id.Nickname, nmdcproto.EscapeChat(body))
}

// SendConnectToMe asks peerNick to dial us at host:port.
func (s *Session) SendConnectToMe(peerNick, host string, port int) error {
	return s.sendf("$ConnectToMe %s %s:%d", peerNick, host, port)
}

// SendRevConnectToMe asks peerNick to initiate a reverse connect.
func (s *Session) SendRevConnectToMe(peerNick string) error {
	return s.sendf("$RevConnectToMe %s %s", s.id.Nickname, peerNick)
}
