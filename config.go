// Package dcshare implements a peer-to-peer file-sharing client for NMDC
// hub networks: a hub protocol state machine, a peer-to-peer transfer state
// machine, a segmented download manager, a TTH hasher, and a search engine.
package dcshare

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	uuid "github.com/satori/go.uuid"
	yaml "gopkg.in/yaml.v1"
)

// ConfigErrorCode enumerates the configuration error categories from
// spec.md §7 category 1.
type ConfigErrorCode int

const (
	// ErrMissingField indicates a required field was left unset.
	ErrMissingField ConfigErrorCode = iota + 1
	// ErrReadOnlyViolation indicates an attempt to mutate a field that is
	// fixed after Configure succeeds.
	ErrReadOnlyViolation
	// ErrInvalidValue indicates a value outside its enumerant or range.
	ErrInvalidValue
	// ErrBindFailure4 and ErrBindFailure5 indicate listener bind failure.
	ErrBindFailure4
	ErrBindFailure5
	// ErrPeerClosed indicates the peer reset the connection (spec.md §7
	// category 2); it is not raised from Configure but shares the code
	// space other implementations keyed errors on.
	ErrPeerClosed
)

// ConfigError is a typed configuration error carrying spec.md's numeric
// error code.
type ConfigError struct {
	Code  ConfigErrorCode
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s (code %d): %s", e.Field, e.Code, e.Msg)
}

// ConnectionSpeed is the advertised $MyINFO connection-speed indicator.
type ConnectionSpeed string

// Status is the single flag byte NMDC advertises in $MyINFO (normal,
// away, etc). Only the low bits defined by the protocol are meaningful;
// the type exists so callers don't pass a bare byte around untyped.
type Status byte

const (
	StatusNormal Status = 0x01
	StatusAway   Status = 0x02
)

// Identity is the client's advertised identity: everything a hub or peer
// can learn about who we are.
type Identity struct {
	Nickname      string          `yaml:"nickname"`
	Password      string          `yaml:"password,omitempty"`
	Description   string          `yaml:"description"`
	Email         string          `yaml:"email"`
	Speed         ConnectionSpeed `yaml:"speed"`
	StatusFlag    Status          `yaml:"status_flag"`
	ClientName    string          `yaml:"client_name"`
	ClientVersion string          `yaml:"client_version"`
	Supports      []string        `yaml:"supports"`
	ClientID      string          `yaml:"client_id"`
	Active        bool            `yaml:"active"`
	ListenHost    string          `yaml:"listen_host"`
	ListenPort    uint16          `yaml:"listen_port"`
}

// Tunables are the process-wide knobs controlling poll cadence, buffering,
// retry behavior, segmenting, and slot caps.
type Tunables struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	BufferSize         int           `yaml:"buffer_size"`
	RetryCount         int           `yaml:"retry_count"`
	RetryWait          time.Duration `yaml:"retry_wait"`
	SegmentSize        int64         `yaml:"segment_size"`
	DownloadSlots      int           `yaml:"download_slots"`
	UploadSlots        int           `yaml:"upload_slots"`
	SearchTimeAuto     time.Duration `yaml:"search_time_auto"`
	SearchTimeManual   time.Duration `yaml:"search_time_manual"`
	DownloadStepPeriod time.Duration `yaml:"download_step_period"`
	StepPeriod         time.Duration `yaml:"step_period"`
	SearchResultCount  int           `yaml:"search_result_count"`
	KeepAlivePeriod    time.Duration `yaml:"keepalive_period"`
	ReconnectRetries   int           `yaml:"reconnect_retries"`
	ReconnectBackoff   time.Duration `yaml:"reconnect_backoff"`
}

// Directories is the on-disk layout dcshare creates on first run
// (spec.md §6 "Directory layout").
type Directories struct {
	Settings   string `yaml:"settings"`
	Downloads  string `yaml:"downloads"`
	Incomplete string `yaml:"incomplete"`
	Filelists  string `yaml:"filelists"`
}

// Config is the process-wide configuration record. It gates readiness: a
// freshly unmarshaled Config is not Ready until Configure succeeds, and
// Ready is cleared again while a session is being reconfigured.
type Config struct {
	Identity    Identity    `yaml:"identity"`
	Tunables    Tunables    `yaml:"tunables"`
	Directories Directories `yaml:"directories"`

	ready bool
}

// DefaultConfig mirrors the teacher's DefaultConfig: sane defaults that
// Configure will validate and that LoadConfig falls back to when no file
// exists yet.
var DefaultConfig = Config{
	Identity: Identity{
		Speed:         "DSL",
		StatusFlag:    StatusNormal,
		ClientName:    "dcshare",
		ClientVersion: "1.0",
		Supports:      []string{"UserCommand", "UserIP2", "TTHSearch", "ZPipe0", "GetZBlock"},
		Active:        false,
		ListenHost:    "0.0.0.0",
		ListenPort:    412,
	},
	Tunables: Tunables{
		PollInterval:       250 * time.Millisecond,
		BufferSize:         64 * 1024,
		RetryCount:         3,
		RetryWait:          10 * time.Second,
		SegmentSize:        10 * 1024 * 1024,
		DownloadSlots:      3,
		UploadSlots:        3,
		SearchTimeAuto:     5 * time.Second,
		SearchTimeManual:   10 * time.Second,
		DownloadStepPeriod: time.Second,
		StepPeriod:         time.Second,
		SearchResultCount:  5,
		KeepAlivePeriod:    2 * time.Minute,
		ReconnectRetries:   5,
		ReconnectBackoff:   5 * time.Second,
	},
	Directories: Directories{
		Settings:   "Settings",
		Downloads:  "Downloads",
		Incomplete: "Incomplete",
		Filelists:  "Filelists",
	},
}

// LoadConfig reads filename as YAML over DefaultConfig, the way the
// teacher's config.go loads on top of its own DefaultConfig. A missing
// file is not an error: DefaultConfig is returned as-is.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the config back out as YAML.
func (c *Config) Save(filename string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0o640)
}

// Ready reports whether Configure has succeeded and not since been
// invalidated.
func (c *Config) Ready() bool { return c.ready }

// Configure validates required fields, fills in a client id if absent,
// expands directory paths, and creates the on-disk layout. It is the only
// path that may set Ready.
func (c *Config) Configure() error {
	c.ready = false

	if c.Identity.Nickname == "" {
		return &ConfigError{Code: ErrMissingField, Field: "identity.nickname", Msg: "nickname is required"}
	}
	for _, r := range c.Identity.Nickname {
		if r == ' ' {
			return &ConfigError{Code: ErrInvalidValue, Field: "identity.nickname", Msg: "nickname must not contain spaces"}
		}
	}
	if c.Tunables.SegmentSize <= 0 {
		return &ConfigError{Code: ErrInvalidValue, Field: "tunables.segment_size", Msg: "segment_size must be positive"}
	}
	if c.Tunables.DownloadSlots <= 0 || c.Tunables.UploadSlots <= 0 {
		return &ConfigError{Code: ErrInvalidValue, Field: "tunables.*_slots", Msg: "slot counts must be positive"}
	}

	if c.Identity.ClientID == "" {
		c.Identity.ClientID = uuid.NewV4().String()
	}

	if err := c.expandPaths(); err != nil {
		return err
	}
	if err := c.createLayout(); err != nil {
		return err
	}

	c.ready = true
	return nil
}

// Reconfigure clears Ready for the duration of fn, then re-runs Configure.
// Callers mutate the Config's fields inside fn.
func (c *Config) Reconfigure(fn func(*Config)) error {
	c.ready = false
	fn(c)
	return c.Configure()
}

func (c *Config) expandPaths() error {
	for _, dir := range []*string{&c.Directories.Settings, &c.Directories.Downloads, &c.Directories.Incomplete, &c.Directories.Filelists} {
		expanded, err := homedir.Expand(*dir)
		if err != nil {
			return err
		}
		*dir = expanded
	}
	return nil
}

func (c *Config) createLayout() error {
	for _, dir := range []string{c.Directories.Settings, c.Directories.Downloads, c.Directories.Incomplete, c.Directories.Filelists} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotPath is where Persistence opens its boltdb file.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Directories.Settings, "dcshare.db")
}
