// Package config resolves settings from command-line flags and SHAREPEER_*
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/schollz/sharepeer/src/session"
)

const EnvPrefix = "SHAREPEER"

const DefaultServer = "https://share.schollz.com"

type Config struct {
	Server       string
	LogLevel     string
	Port         int
	MaxEndpoints int
	Output       string
	Force        bool
	Extract      bool
	Plain        bool
	Policy       session.Policy
}

// New returns a viper instance with the defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	p := session.DefaultPolicy()
	v.SetDefault("server", DefaultServer)
	v.SetDefault("log-level", "warn")
	v.SetDefault("port", 3001)
	v.SetDefault("max-endpoints", 0)
	v.SetDefault("output", ".")
	v.SetDefault("force", false)
	v.SetDefault("extract", false)
	v.SetDefault("plain", false)
	v.SetDefault("chunk-size", p.ChunkSize)
	v.SetDefault("high-water", p.HighWater)
	v.SetDefault("low-water", p.LowWater)
	v.SetDefault("poll-interval", p.PollInterval)
	v.SetDefault("progress-interval", p.ProgressInterval)
	v.SetDefault("connect-timeout", p.ConnectTimeout)
	v.SetDefault("retry-delay", p.RetryDelay)
	v.SetDefault("dial-attempts", p.DialAttempts)
	v.SetDefault("close-delay", p.CloseDelay)
	return v
}

// AddPolicyFlags registers the tuning flags shared by send and receive.
func AddPolicyFlags(fs *pflag.FlagSet) {
	p := session.DefaultPolicy()
	fs.String("chunk-size", fmt.Sprint(p.ChunkSize), "Chunk size in bytes (accepts 1 << n)")
	fs.String("high-water", fmt.Sprint(p.HighWater), "Pause sending above this many buffered bytes")
	fs.String("low-water", fmt.Sprint(p.LowWater), "Resume sending below this many buffered bytes")
	fs.Duration("poll-interval", p.PollInterval, "Buffered amount re-check interval")
	fs.Duration("progress-interval", p.ProgressInterval, "Minimum time between progress updates")
	fs.Duration("connect-timeout", p.ConnectTimeout, "Time allowed for each connection attempt")
	fs.Duration("retry-delay", p.RetryDelay, "Delay between connection attempts")
	fs.Int("dial-attempts", p.DialAttempts, "Connection attempts before giving up")
	fs.Duration("close-delay", p.CloseDelay, "Close the session this long after a batch (0 stays open)")
}

// Load binds fs to v and resolves the configuration. Flags set on the
// command line win over the environment, which wins over defaults.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	cfg := Config{
		Server:       v.GetString("server"),
		LogLevel:     strings.ToLower(v.GetString("log-level")),
		Port:         v.GetInt("port"),
		MaxEndpoints: v.GetInt("max-endpoints"),
		Output:       v.GetString("output"),
		Force:        v.GetBool("force"),
		Extract:      v.GetBool("extract"),
		Plain:        v.GetBool("plain"),
	}

	p := session.DefaultPolicy()
	var err error
	if p.ChunkSize, err = getSize(v, "chunk-size"); err != nil {
		return Config{}, err
	}
	if p.HighWater, err = getSize(v, "high-water"); err != nil {
		return Config{}, err
	}
	if p.LowWater, err = getSize(v, "low-water"); err != nil {
		return Config{}, err
	}
	p.PollInterval = v.GetDuration("poll-interval")
	p.ProgressInterval = v.GetDuration("progress-interval")
	p.ConnectTimeout = v.GetDuration("connect-timeout")
	p.RetryDelay = v.GetDuration("retry-delay")
	p.DialAttempts = v.GetInt("dial-attempts")
	p.CloseDelay = v.GetDuration("close-delay")
	if err := p.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Policy = p
	return cfg, nil
}

// getSize reads an integer that may also be written as "1 << n".
func getSize(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	n, err := parseShift(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q", key, raw)
	}
	return n, nil
}

func parseShift(s string) (int, error) {
	base, shift, ok := strings.Cut(s, "<<")
	if !ok {
		return 0, fmt.Errorf("not a shift expression")
	}
	b, err := strconv.Atoi(strings.TrimSpace(base))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(shift))
	if err != nil || n < 0 || n > 40 {
		return 0, fmt.Errorf("bad shift %q", shift)
	}
	return b << n, nil
}

// WebSocketURL turns a server address into the websocket URL of its relay.
func WebSocketURL(server string) string {
	if server == "" || server == "https://" {
		return "wss://"
	} else if server == "http://" {
		return "ws://"
	}
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" && u.Opaque != "" {
		u, _ = url.Parse("https://" + server)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	return u.String()
}

// FormatPolicy summarises p for logs.
func FormatPolicy(p session.Policy) string {
	return fmt.Sprintf("chunk=%d high=%d low=%d attempts=%d timeout=%s retry=%s",
		p.ChunkSize, p.HighWater, p.LowWater, p.DialAttempts, p.ConnectTimeout.Round(time.Millisecond), p.RetryDelay)
}
