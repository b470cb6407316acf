package nsq

import (
	"compress/flate"
	"crypto/tls"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// topicChannelNameRegexp matches the legal shape for a topic or
// channel name: spec.md §6, "each matches [.a-zA-Z0-9_-]{1,64} with
// optional trailing #ephemeral".
var topicChannelNameRegexp = regexp.MustCompile(`^[.a-zA-Z0-9_-]{1,64}(#ephemeral)?$`)

// IsValidTopicName reports whether name is a legal NSQ topic name.
func IsValidTopicName(name string) bool {
	return topicChannelNameRegexp.MatchString(name)
}

// IsValidChannelName reports whether name is a legal NSQ channel name.
func IsValidChannelName(name string) bool {
	return topicChannelNameRegexp.MatchString(name)
}

// DefaultClientTimeout is the default value used to derive read
// deadlines and heartbeat intervals when not otherwise configured.
const DefaultClientTimeout = 60 * time.Second

// Config carries every tunable the Consumer/Producer/Conn recognize.
// It mirrors spec.md §6's IDENTIFY and Reader option tables, collapsed
// into one struct since both the Consumer and Producer share the same
// per-connection IDENTIFY knobs.
type Config struct {
	// DialTimeout limits how long TCP dial (to nsqd or nsqlookupd) may
	// take.
	DialTimeout time.Duration

	// ReadTimeout/WriteTimeout bound individual socket operations on
	// an established Conn.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// LookupdPollInterval is how often each configured nsqlookupd
	// address is polled.
	LookupdPollInterval time.Duration
	// LookupdPollJitter adds up to this fraction of LookupdPollInterval
	// of random jitter to each address's poll schedule, so that
	// multiple consumers (or multiple addresses) don't all poll in
	// lockstep.
	LookupdPollJitter float64

	// MaxInFlight is the global RDY budget (§4.4). Zero pauses the
	// Consumer entirely.
	MaxInFlight int64

	// MaxAttempts is the per-message attempt cap (§4.5): a message
	// delivered with more attempts than this is logged and finished
	// without being passed to Handler. No separate handler is called
	// for such a message. Zero disables the cap.
	MaxAttempts uint16

	// LowRdyIdleTimeout is the redistribution period used when
	// MaxInFlight < number of live connections (§4.4).
	LowRdyIdleTimeout time.Duration
	// RDYRedistributeInterval is the polling interval of the internal
	// redistribution timer; defaults to LowRdyIdleTimeout if zero.
	RDYRedistributeInterval time.Duration

	// HeartbeatInterval is the interval the client requests nsqd send
	// heartbeats at. -1 disables heartbeats entirely.
	HeartbeatInterval time.Duration

	// BackoffEnabled toggles the backoff controller (§4.5). When
	// false, backoff_level remains 0 forever.
	BackoffEnabled bool
	// BackoffMultiplier is the base duration multiplied by 2^(level-1)
	// to compute a backoff timer.
	BackoffMultiplier time.Duration
	// MaxBackoffDuration caps the computed backoff timer.
	MaxBackoffDuration time.Duration
	// MaxBackoffLevel caps backoff_level itself.
	MaxBackoffLevel int

	// TLSv1 requests a TLS upgrade during IDENTIFY.
	TLSv1 bool
	// TLSConfig is used for the client-side TLS handshake when TLSv1
	// is set. A nil TLSConfig uses sane defaults (ServerName derived
	// from the dial address).
	TLSConfig *tls.Config

	// Snappy/Deflate request mutually exclusive compression upgrades;
	// setting both is a Validate() error.
	Snappy       bool
	Deflate      bool
	DeflateLevel int

	// OutputBufferSize/OutputBufferTimeout are broker-side coalescing
	// knobs passed through IDENTIFY.
	OutputBufferSize    int64
	OutputBufferTimeout time.Duration

	// SampleRate, 0-99, asks the broker to sample that percentage of
	// channel messages to this client.
	SampleRate int32

	// MsgTimeout is the per-message visibility timeout requested via
	// IDENTIFY. Zero uses the broker's default.
	MsgTimeout time.Duration

	// AuthSecret, if non-empty, is sent via AUTH if the broker's
	// IDENTIFY response indicates auth_required.
	AuthSecret string

	// ClientID/Hostname/UserAgent are identity metadata sent via
	// IDENTIFY. Defaulted from os.Hostname()/the module version if
	// left empty.
	ClientID  string
	Hostname  string
	UserAgent string

	initialized bool
}

// NewConfig returns a Config populated with the library's defaults.
func NewConfig() *Config {
	hostname, _ := os.Hostname()
	short := hostname
	if idx := strings.IndexByte(short, '.'); idx >= 0 {
		short = short[:idx]
	}
	return &Config{
		DialTimeout: time.Second,

		ReadTimeout:  DefaultClientTimeout,
		WriteTimeout: time.Second,

		LookupdPollInterval: 60 * time.Second,
		LookupdPollJitter:   0.3,

		MaxInFlight: 1,
		MaxAttempts: 5,

		LowRdyIdleTimeout: 15 * time.Second,

		HeartbeatInterval: DefaultClientTimeout / 2,

		BackoffEnabled:     true,
		BackoffMultiplier:  time.Second,
		MaxBackoffDuration: 120 * time.Second,
		MaxBackoffLevel:    32,

		DeflateLevel:        flate.DefaultCompression,
		OutputBufferSize:    16 * 1024,
		OutputBufferTimeout: 250 * time.Millisecond,

		ClientID:  short,
		Hostname:  hostname,
		UserAgent: fmt.Sprintf("go-nsq/%s", ClientVersion),

		initialized: true,
	}
}

// Validate checks the Config for internal consistency, returning an
// ErrConfig describing the first problem found. This is the
// synchronous ConfigError class of spec.md §7.
func (c *Config) Validate() error {
	if !c.initialized {
		return ErrConfig{Reason: "Config must be created with NewConfig()"}
	}
	if c.MaxInFlight < 0 {
		return ErrConfig{Reason: "MaxInFlight must be >= 0"}
	}
	if c.Snappy && c.Deflate {
		return ErrConfig{Reason: "Snappy and Deflate are mutually exclusive"}
	}
	if c.DeflateLevel < 1 || c.DeflateLevel > 9 {
		if c.DeflateLevel != flate.DefaultCompression {
			return ErrConfig{Reason: "DeflateLevel must be between 1 and 9"}
		}
	}
	if c.SampleRate < 0 || c.SampleRate > 99 {
		return ErrConfig{Reason: "SampleRate must be between 0 and 99"}
	}
	if c.LookupdPollJitter < 0 || c.LookupdPollJitter > 1 {
		return ErrConfig{Reason: "LookupdPollJitter must be between 0 and 1"}
	}
	if c.MaxBackoffLevel < 0 {
		return ErrConfig{Reason: "MaxBackoffLevel must be >= 0"}
	}
	return nil
}

// Set implements the string-keyed option passthrough used by CLI
// wrappers (generalized from the --reader-opt flag shape demonstrated
// by davidpelaez-nsq-events/nsq_event_router.go). Unknown options
// return an ErrConfig.
func (c *Config) Set(option string, value interface{}) error {
	switch option {
	case "max_in_flight":
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		c.MaxInFlight = v
	case "max_attempts":
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		c.MaxAttempts = uint16(v)
	case "heartbeat_interval":
		v, err := toDuration(value)
		if err != nil {
			return err
		}
		c.HeartbeatInterval = v
	case "lookupd_poll_interval":
		v, err := toDuration(value)
		if err != nil {
			return err
		}
		c.LookupdPollInterval = v
	case "low_rdy_idle_timeout":
		v, err := toDuration(value)
		if err != nil {
			return err
		}
		c.LowRdyIdleTimeout = v
	case "backoff_enabled":
		v, ok := value.(bool)
		if !ok {
			return ErrConfig{Reason: "backoff_enabled must be a bool"}
		}
		c.BackoffEnabled = v
	case "tls_v1":
		v, ok := value.(bool)
		if !ok {
			return ErrConfig{Reason: "tls_v1 must be a bool"}
		}
		c.TLSv1 = v
	case "snappy":
		v, ok := value.(bool)
		if !ok {
			return ErrConfig{Reason: "snappy must be a bool"}
		}
		c.Snappy = v
	case "deflate":
		v, ok := value.(bool)
		if !ok {
			return ErrConfig{Reason: "deflate must be a bool"}
		}
		c.Deflate = v
	case "auth_secret":
		v, ok := value.(string)
		if !ok {
			return ErrConfig{Reason: "auth_secret must be a string"}
		}
		c.AuthSecret = v
	default:
		return ErrConfig{Reason: fmt.Sprintf("unknown option %q", option)}
	}
	return nil
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case time.Duration:
		return int64(v), nil
	}
	return 0, ErrConfig{Reason: fmt.Sprintf("invalid numeric value %v", value)}
}

func toDuration(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		return time.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Millisecond, nil
	}
	return 0, ErrConfig{Reason: fmt.Sprintf("invalid duration value %v", value)}
}
