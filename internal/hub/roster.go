package hub

import "sync"

// Peer is one entry in the hub's user roster.
type Peer struct {
	Nickname    string
	Operator    bool
	Bot         bool
	Description string
	ConnTag     string
	Flag        byte
	Email       string
	ShareSize   int64
	LastIP      string
}

// Roster is the nickname -> Peer registry plus the durable nickname -> IP
// map that survives disconnects, both guarded by one lock per spec.md §5
// ("Roster updates from $NickList/$UserIP take an exclusive lock that also
// gates any snapshot readers").
type Roster struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	ips   map[string]string
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{
		peers: make(map[string]*Peer),
		ips:   make(map[string]string),
	}
}

// Upsert inserts a skeleton Peer record for nick if absent, returning the
// existing or newly created entry.
func (r *Roster) Upsert(nick string) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nick]
	if !ok {
		p = &Peer{Nickname: nick, LastIP: r.ips[nick]}
		r.peers[nick] = p
	}
	return p
}

// Remove deletes nick from the live roster. The durable IP mapping is left
// intact so a later reconnect still knows where to find them.
func (r *Roster) Remove(nick string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, nick)
}

// Get returns a copy of nick's roster entry, or nil.
func (r *Roster) Get(nick string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nick]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// SetOperator marks nick as an operator, inserting a skeleton record if
// needed.
func (r *Roster) SetOperator(nick string, op bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nick]
	if !ok {
		p = &Peer{Nickname: nick}
		r.peers[nick] = p
	}
	p.Operator = op
}

// SetBot marks nick as a bot.
func (r *Roster) SetBot(nick string, bot bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nick]
	if !ok {
		p = &Peer{Nickname: nick}
		r.peers[nick] = p
	}
	p.Bot = bot
}

// UpdateMyINFO records the fields parsed out of a $MyINFO line.
func (r *Roster) UpdateMyINFO(nick, description, connTag string, flag byte, email string, shareSize int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nick]
	if !ok {
		p = &Peer{Nickname: nick}
		r.peers[nick] = p
	}
	p.Description = description
	p.ConnTag = connTag
	p.Flag = flag
	p.Email = email
	p.ShareSize = shareSize
}

// UpdateIP records nick's current IP in both the live entry and the
// durable map.
func (r *Roster) UpdateIP(nick, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ips[nick] = ip
	if p, ok := r.peers[nick]; ok {
		p.LastIP = ip
	}
}

// IP returns the durable last-known IP for nick, even if nick has since
// quit.
func (r *Roster) IP(nick string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ip, ok := r.ips[nick]
	return ip, ok
}

// NicksForIP returns every currently-online nick whose durable IP equals
// ip, used by the search engine to resolve an active-mode responder's
// group (spec.md §4.7: "count roster entries whose durable IP equals the
// source IP; if exactly one, use that nick's group").
func (r *Roster) NicksForIP(ip string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for nick, p := range r.peers {
		if p.LastIP == ip {
			out = append(out, nick)
		}
	}
	return out
}

// IPs returns a copy of the durable nickname->IP map, for persisting
// across restarts (spec.md §6 "_userips").
func (r *Roster) IPs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.ips))
	for nick, ip := range r.ips {
		out[nick] = ip
	}
	return out
}

// RestoreIPs seeds the durable nickname->IP map from a prior snapshot. It
// does not touch the live roster, since nobody from a past session is
// online yet.
func (r *Roster) RestoreIPs(ips map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for nick, ip := range ips {
		r.ips[nick] = ip
	}
}

// Snapshot returns a deep copy of every live roster entry.
func (r *Roster) Snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Clear empties the live roster. The durable IP map is preserved.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*Peer)
}
