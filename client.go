package dcshare

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/dcshare/internal/conn"
	"github.com/cenkalti/dcshare/internal/download"
	"github.com/cenkalti/dcshare/internal/filelist"
	"github.com/cenkalti/dcshare/internal/group"
	"github.com/cenkalti/dcshare/internal/hub"
	"github.com/cenkalti/dcshare/internal/logger"
	"github.com/cenkalti/dcshare/internal/peer"
	"github.com/cenkalti/dcshare/internal/persistence"
	"github.com/cenkalti/dcshare/internal/queue"
	"github.com/cenkalti/dcshare/internal/search"
	"github.com/cenkalti/dcshare/internal/slots"
	"github.com/cenkalti/dcshare/internal/step"
)

// Client is the top-level handle: one hub connection, its peer
// rendezvous, the download queue, the local share, and the groups that
// partition it, wired together the way session.Session wires a torrent
// client's trackers, storage and peer pool.
type Client struct {
	cfg *Config
	log logger.Logger

	db     *persistence.Store
	groups *group.Registry
	files  *filelist.Store

	uploadSlots   *slots.Counter
	downloadSlots *slots.Counter

	dl       *download.Manager
	steps    *step.Loop
	listener *conn.Listener

	mu      sync.Mutex
	hubSess *hub.Session
	search  *search.Engine
	peers   []*peer.Session

	// restoredIPs holds the durable nickname->IP map loaded from
	// BucketUserIPs until Connect creates the hub.Roster it belongs to.
	restoredIPs map[string]string
}

// New opens the settings database, restores prior groups and the pending
// transfer queue, and returns a Client ready to Connect to a hub. cfg
// must already have had Configure called on it.
func New(cfg *Config) (*Client, error) {
	if !cfg.Ready() {
		return nil, &ConfigError{Code: ErrMissingField, Field: "config", Msg: "config must be Configure()d before New"}
	}

	db, err := persistence.Open(cfg.SnapshotPath())
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:           cfg,
		log:           logger.New("client"),
		db:            db,
		groups:        group.New(),
		files:         filelist.NewStore(cfg.Directories.Filelists, cfg.Identity.ClientID),
		uploadSlots:   slots.New(cfg.Tunables.UploadSlots),
		downloadSlots: slots.New(cfg.Tunables.DownloadSlots),
	}

	c.restore()

	c.dl = download.New(download.Config{
		DownloadSlots: c.downloadSlots,
		SegmentSize:   cfg.Tunables.SegmentSize,
		SearchTimeout: cfg.Tunables.SearchTimeAuto,
		IncompleteDir: cfg.Directories.Incomplete,
		DownloadsDir:  cfg.Directories.Downloads,
		Hooks: download.Hooks{
			SearchTTH:          c.searchTTH,
			Connect:            c.connectForDownload,
			RosterHasNick:      c.rosterHasNick,
			DecompressFileList: filelist.Decompress,
		},
	})
	c.restoreQueue()

	c.steps = step.New(cfg.Tunables.StepPeriod, c.onStep, snapshotFunc(c.snapshot))

	if cfg.Identity.Active {
		ln, err := conn.ListenTCP(cfg.Identity.ListenHost, int(cfg.Identity.ListenPort))
		if err != nil {
			db.Close()
			return nil, err
		}
		c.listener = ln
		go c.acceptLoop()
	}

	return c, nil
}

// snapshotFunc adapts a plain func() error to step.Snapshotter.
type snapshotFunc func() error

func (f snapshotFunc) Snapshot() error { return f() }

// Connect dials the hub, starts its read loop, and starts the download
// cadence and housekeeping loops.
func (c *Client) Connect(host string, port int) error {
	id := hub.Identity{
		Nickname:      c.cfg.Identity.Nickname,
		Password:      c.cfg.Identity.Password,
		Description:   c.cfg.Identity.Description,
		Email:         c.cfg.Identity.Email,
		Speed:         string(c.cfg.Identity.Speed),
		StatusFlag:    byte(c.cfg.Identity.StatusFlag),
		ClientName:    c.cfg.Identity.ClientName,
		ClientVersion: c.cfg.Identity.ClientVersion,
		Supports:      c.cfg.Identity.Supports,
		Active:        c.cfg.Identity.Active,
		ListenPort:    c.cfg.Identity.ListenPort,
		UploadSlots:   c.uploadSlots.Cap(),

		KeepAlivePeriod:  c.cfg.Tunables.KeepAlivePeriod,
		ReconnectRetries: c.cfg.Tunables.ReconnectRetries,
		ReconnectBackoff: c.cfg.Tunables.ReconnectBackoff,
	}

	sinks := hub.Sinks{
		Chat:           func(line string) { c.log.Infoln(line) },
		PrivateMessage: func(from, tag, body string) { c.log.Infoln("pm from", from, ":", body) },
		HubName: func(name string) {
			c.mu.Lock()
			eng := c.search
			c.mu.Unlock()
			if eng != nil {
				eng.SetHubName(name)
			}
		},
		HubTopic:     func(topic string) {},
		Search:       func(line string) { c.handleSearch(line) },
		SearchResult: func(line string) { c.handleSearchResult(line) },
		ConnectToMe: func(host string, port int) {
			go c.dialPeer(host, port)
		},
		RevConnectToMe: func(peerNick string) {
			if !c.cfg.Identity.Active {
				return
			}
			c.mu.Lock()
			hs := c.hubSess
			c.mu.Unlock()
			if hs != nil {
				hs.SendConnectToMe(peerNick, c.cfg.Identity.ListenHost, int(c.cfg.Identity.ListenPort))
			}
		},
		RosterChanged: func() {},
	}

	hubSess, err := hub.Dial(host, port, id, sinks)
	if err != nil {
		return err
	}
	hubSess.Roster().RestoreIPs(c.restoredIPs)

	eng := search.New(search.Identity{
		Nickname:    c.cfg.Identity.Nickname,
		LocalIP:     c.cfg.Identity.ListenHost,
		Active:      c.cfg.Identity.Active,
		ListenPort:  c.cfg.Identity.ListenPort,
		UploadSlots: c.uploadSlots,
	}, c.files, resolverAdapter{roster: hubSess.Roster(), groups: c.groups}, hubSess.Send)

	c.mu.Lock()
	c.hubSess = hubSess
	c.search = eng
	c.mu.Unlock()

	go hubSess.Run()
	go c.dl.Run(c.cfg.Tunables.DownloadStepPeriod)
	go c.steps.Run(nil)

	return nil
}

// Disconnect tears down the hub session and the background loops.
func (c *Client) Disconnect() {
	c.mu.Lock()
	hs := c.hubSess
	c.mu.Unlock()
	if hs != nil {
		hs.Disconnect()
	}
	c.dl.Stop()
	c.steps.Stop()
}

// Close flushes a final snapshot and releases the settings database.
func (c *Client) Close() error {
	c.snapshot()
	if c.listener != nil {
		c.listener.Close()
	}
	return c.db.Close()
}

func (c *Client) onStep(arg interface{}) interface{} {
	if err := c.files.RefreshAll(); err != nil {
		c.log.Warningln("file-list refresh failed:", err)
	}
	return arg
}

// resolverAdapter satisfies search.GroupResolver by delegating roster
// lookups to the hub's live roster and group lookups to the registry.
type resolverAdapter struct {
	roster *hub.Roster
	groups *group.Registry
}

func (r resolverAdapter) NicksForIP(ip string) []string { return r.roster.NicksForIP(ip) }
func (r resolverAdapter) Find(nick string) string       { return r.groups.Find(nick) }
func (r resolverAdapter) DefaultName() string           { return r.groups.DefaultName() }

func (c *Client) handleSearch(line string) {
	c.mu.Lock()
	eng := c.search
	c.mu.Unlock()
	if eng != nil {
		eng.Respond(line, "", c.cfg.Tunables.SearchResultCount)
	}
}

func (c *Client) handleSearchResult(line string) {
	c.mu.Lock()
	eng := c.search
	c.mu.Unlock()
	if eng != nil {
		eng.HandlePassiveResult(line)
	}
}

func (c *Client) rosterHasNick(nick string) bool {
	c.mu.Lock()
	hs := c.hubSess
	c.mu.Unlock()
	if hs == nil {
		return false
	}
	return hs.Roster().Get(nick) != nil
}

// searchTTH issues an auto-mode TTH search and collects sources for the
// download manager's auto-expansion step.
func (c *Client) searchTTH(root string, timeout time.Duration) []download.Source {
	c.mu.Lock()
	eng := c.search
	c.mu.Unlock()
	if eng == nil {
		return nil
	}

	var mu sync.Mutex
	var sources []download.Source

	q := search.Query{Type: search.TypeTTH, Term: root}
	err := eng.Search(q, search.ModeAuto, timeout, func(r search.Result) {
		mu.Lock()
		sources = append(sources, download.Source{Nick: r.Nick, Name: baseName(r.Path), Size: r.Size})
		mu.Unlock()
	})
	if err != nil {
		return nil
	}

	time.Sleep(timeout)

	mu.Lock()
	defer mu.Unlock()
	return sources
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// connectForDownload is the download manager's rendezvous hook: it asks
// the hub to bring up a peer connection with nick, actively if we can
// accept inbound connections, in reverse otherwise.
func (c *Client) connectForDownload(nick string, it *queue.Item) {
	c.mu.Lock()
	hs := c.hubSess
	c.mu.Unlock()
	if hs == nil {
		return
	}
	if c.cfg.Identity.Active {
		hs.SendConnectToMe(nick, c.cfg.Identity.ListenHost, int(c.cfg.Identity.ListenPort))
		return
	}
	hs.SendRevConnectToMe(nick)
}

// dialPeer opens an outbound peer connection in response to $ConnectToMe.
func (c *Client) dialPeer(host string, port int) {
	tc, err := conn.DialTCP(host, port, 10*time.Second)
	if err != nil {
		c.log.Debugln("peer dial failed:", err)
		return
	}
	c.runPeerSession(tc, peer.RoleDialer)
}

func (c *Client) acceptLoop() {
	for {
		tc, err := c.listener.Accept()
		if err != nil {
			return
		}
		go c.runPeerSession(tc, peer.RoleListener)
	}
}

func (c *Client) runPeerSession(tc *conn.TCP, role peer.Role) {
	var ps *peer.Session
	ps = peer.New(tc, role, peer.Config{
		OwnNick:       c.cfg.Identity.Nickname,
		Supports:      c.cfg.Identity.Supports,
		IncompleteDir: c.cfg.Directories.Incomplete,
		SegmentSize:   c.cfg.Tunables.SegmentSize,
		UploadSlots:   c.uploadSlots,
		DownloadSlots: c.downloadSlots,
		Hooks: peer.Hooks{
			Next: func(nick string) (*queue.Item, bool) { return c.dl.NextForPeer(nick) },
			Resolve: func(peerNick, kind, identifier string) (string, int64, error) {
				return c.resolveUpload(peerNick, identifier)
			},
			OnSegmentDone: func(it *queue.Item) {
				c.dl.SegmentDone(ps.PeerNick(), it)
			},
			OnSegmentFailed: func(it *queue.Item, err error) {
				c.dl.SegmentFailed(ps.PeerNick(), it, err)
			},
		},
	})
	c.mu.Lock()
	c.peers = append(c.peers, ps)
	c.mu.Unlock()

	ps.Run()

	c.mu.Lock()
	for i, p := range c.peers {
		if p == ps {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// TransferRates returns the summed smoothed download and upload byte rates
// across every active peer session, the aggregate view spec.md §3's
// EWMA-backed speed counters exist to feed.
func (c *Client) TransferRates() (down, up float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		down += p.DownloadRate()
		up += p.UploadRate()
	}
	return down, up
}

// resolveUpload maps an ADCGET identifier to an on-disk path, scoped to
// the requester's group (spec.md §4.7's group-scoped sharing applies
// equally to what a peer is allowed to pull).
func (c *Client) resolveUpload(peerNick, identifier string) (string, int64, error) {
	groupName := c.groups.Find(peerNick)

	if identifier == "files.xml.bz2" {
		path := c.files.ListingPath(groupName)
		info, err := os.Stat(path)
		if err != nil {
			return "", 0, err
		}
		return path, info.Size(), nil
	}

	if strings.HasPrefix(identifier, "TTH/") {
		tth := strings.TrimPrefix(identifier, "TTH/")
		path, size, ok := c.files.Lookup(groupName, tth)
		if !ok {
			return "", 0, fmt.Errorf("tth not found: %s", tth)
		}
		return path, size, nil
	}

	return "", 0, fmt.Errorf("unknown identifier: %s", identifier)
}

// Groups exposes the group registry for CLI/RPC callers.
func (c *Client) Groups() *group.Registry { return c.groups }

// Files exposes the file-list store for CLI/RPC callers.
func (c *Client) Files() *filelist.Store { return c.files }

// Downloads exposes the download manager for CLI/RPC callers.
func (c *Client) Downloads() *download.Manager { return c.dl }

// snapshot persists groups, the pending queue, the durable roster IP map,
// and every group's registered share roots to the settings database
// (spec.md §6, using the named-bucket layout of spec.md §9 open question 5
// instead of a positional slice). Client config is not duplicated into the
// database: Config.Save already persists it to the yaml settings file that
// New's caller loads back with LoadConfig, so a second copy here would
// just be two sources of truth to keep in sync.
func (c *Client) snapshot() error {
	if blob, err := marshalGroups(c.groups); err == nil {
		if err := c.db.Save(persistence.BucketGroups, blob); err != nil {
			return err
		}
	}
	if blob, err := marshalQueue(c.dl.Queue()); err == nil {
		if err := c.db.Save(persistence.BucketQueue, blob); err != nil {
			return err
		}
	}
	c.mu.Lock()
	hs := c.hubSess
	c.mu.Unlock()
	if hs != nil {
		if blob, err := marshalUserIPs(hs.Roster().IPs()); err == nil {
			if err := c.db.Save(persistence.BucketUserIPs, blob); err != nil {
				return err
			}
		}
	}
	if blob, err := marshalFileListRoots(c.files.Roots()); err == nil {
		if err := c.db.Save(persistence.BucketFileList, blob); err != nil {
			return err
		}
	}
	return nil
}

// restore reloads groups, file-list roots and the durable roster IP map.
// It runs before c.dl and any hub.Session exist, so the pending queue and
// the roster IP map are handled separately: restoreQueue once c.dl is
// built, and restoredIPs applied to the live roster once Connect creates
// it.
func (c *Client) restore() {
	if blob, err := c.db.Load(persistence.BucketGroups); err == nil && blob != nil {
		unmarshalGroups(c.groups, blob)
	}
	if c.files != nil {
		if blob, err := c.db.Load(persistence.BucketFileList); err == nil && blob != nil {
			c.files.RestoreRoots(unmarshalFileListRoots(blob))
		}
	}
	if blob, err := c.db.Load(persistence.BucketUserIPs); err == nil && blob != nil {
		c.restoredIPs = unmarshalUserIPs(blob)
	}
}

// restoreQueue reloads a previously persisted transfer queue. Restored
// items keep their saved part layout but carry no OnSuccess/OnFailure
// callback, since handlers from the previous process cannot be
// reattached (persistence_codec.go).
func (c *Client) restoreQueue() {
	blob, err := c.db.Load(persistence.BucketQueue)
	if err != nil || blob == nil {
		return
	}
	if err := RestoreQueue(c.dl.Queue(), blob, nil, nil); err != nil {
		c.log.Warningln("failed to restore transfer queue:", err)
	}
}
