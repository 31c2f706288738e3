// Package relay parses relay command configuration and wires its storage,
// fan-out and HTTP transport.
package relay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	entrypoint "github.com/louisbranch/sheetsync/internal/platform/cmd"
	"github.com/louisbranch/sheetsync/internal/platform/timeouts"
	server "github.com/louisbranch/sheetsync/internal/services/relay/app"
	redisnet "github.com/louisbranch/sheetsync/internal/services/sheet/collab/transport/redis"
	"github.com/louisbranch/sheetsync/internal/storage"
	"github.com/louisbranch/sheetsync/internal/storage/bbolt"
	"github.com/louisbranch/sheetsync/internal/storage/postgres"
	"github.com/louisbranch/sheetsync/internal/storage/sqlite"
)

// Journal backends.
const (
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
	JournalNone     = "none"
)

// Config holds relay command configuration. Values come from the
// environment, then the optional TOML file, then flags.
type Config struct {
	ConfigFile    string `env:"SHEETSYNC_RELAY_CONFIG" toml:"-"`
	HTTPAddr      string `env:"SHEETSYNC_RELAY_HTTP_ADDR" envDefault:":8090" toml:"http_addr"`
	TokenSecret   string `env:"SHEETSYNC_RELAY_TOKEN_SECRET" toml:"token_secret"`
	Journal       string `env:"SHEETSYNC_RELAY_JOURNAL" envDefault:"sqlite" toml:"journal"`
	SQLitePath    string `env:"SHEETSYNC_RELAY_SQLITE_PATH" envDefault:"data/relay-journal.db" toml:"sqlite_path"`
	PostgresURL   string `env:"SHEETSYNC_RELAY_POSTGRES_URL" toml:"postgres_url"`
	SnapshotPath  string `env:"SHEETSYNC_RELAY_SNAPSHOT_PATH" envDefault:"data/relay-snapshots.db" toml:"snapshot_path"`
	SnapshotEvery int    `env:"SHEETSYNC_RELAY_SNAPSHOT_EVERY" envDefault:"50" toml:"snapshot_every"`
	RedisAddr     string `env:"SHEETSYNC_RELAY_REDIS_ADDR" toml:"redis_addr"`

	// IssueToken prints an access token for the named client and exits.
	IssueToken string        `toml:"-"`
	TokenSheet string        `toml:"-"`
	TokenTTL   time.Duration `toml:"-"`
}

// ParseConfig parses environment, config file and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "path to a TOML config file")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HS256 access token secret (empty disables auth)")
	fs.StringVar(&cfg.Journal, "journal", cfg.Journal, "journal backend: sqlite, postgres or none")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite journal path")
	fs.StringVar(&cfg.PostgresURL, "postgres-url", cfg.PostgresURL, "postgres journal URL")
	fs.StringVar(&cfg.SnapshotPath, "snapshot-path", cfg.SnapshotPath, "bbolt snapshot path (empty disables snapshots)")
	fs.IntVar(&cfg.SnapshotEvery, "snapshot-every", cfg.SnapshotEvery, "messages between snapshots of a room")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for message fan-out (empty disables)")
	fs.StringVar(&cfg.IssueToken, "issue-token", "", "print an access token for this client id and exit")
	fs.StringVar(&cfg.TokenSheet, "token-spreadsheet", "", "restrict the issued token to one spreadsheet")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", 24*time.Hour, "lifetime of the issued token (0 never expires)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if err := entrypoint.ParseConfigFile(&cfg, cfg.ConfigFile, fs, args); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Journal {
	case JournalSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("sqlite journal requires a path")
		}
	case JournalPostgres:
		if strings.TrimSpace(c.PostgresURL) == "" {
			return errors.New("postgres journal requires a URL")
		}
	case JournalNone:
	default:
		return fmt.Errorf("unknown journal backend %q", c.Journal)
	}
	if c.SnapshotEvery <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %d", c.SnapshotEvery)
	}
	return nil
}

// Run serves the relay, or prints a token when IssueToken is set.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if cfg.IssueToken != "" {
		token, err := server.IssueToken([]byte(cfg.TokenSecret), cfg.IssueToken, cfg.TokenSheet, cfg.TokenTTL, time.Now())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, token)
		return err
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(ctx context.Context) error {
		logger := log.Default()
		deps, err := openDeps(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer deps.close(logger)

		if err := server.Run(ctx, server.Config{
			HTTPAddr:      cfg.HTTPAddr,
			TokenSecret:   cfg.TokenSecret,
			Journal:       deps.journal,
			Snapshots:     deps.snapshots,
			SnapshotEvery: cfg.SnapshotEvery,
			Fanout:        deps.fanout,
			Logger:        logger,
			Tracer:        otel.Tracer("github.com/louisbranch/sheetsync/relay"),
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}

type relayDeps struct {
	journal   storage.Journal
	snapshots storage.SnapshotStore
	fanout    server.Fanout
	closers   []io.Closer
}

func (d *relayDeps) close(logger *log.Logger) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			logger.Printf("relay: close dependency: %v", err)
		}
	}
}

func openDeps(ctx context.Context, cfg Config, logger *log.Logger) (deps *relayDeps, err error) {
	deps = &relayDeps{}
	defer func() {
		if err != nil {
			deps.close(logger)
		}
	}()

	dialCtx, cancel := context.WithTimeout(ctx, timeouts.Dial)
	defer cancel()

	switch cfg.Journal {
	case JournalSQLite:
		if err := ensureDir(cfg.SQLitePath); err != nil {
			return nil, err
		}
		journal, err := sqlite.Open(dialCtx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		deps.journal = journal
		deps.closers = append(deps.closers, journal)
	case JournalPostgres:
		journal, err := postgres.Open(dialCtx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		deps.journal = journal
		deps.closers = append(deps.closers, journal)
	}

	if path := strings.TrimSpace(cfg.SnapshotPath); path != "" {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		snapshots, err := bbolt.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		deps.snapshots = snapshots
		deps.closers = append(deps.closers, snapshots)
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		deps.closers = append(deps.closers, client)
		if err := client.Ping(dialCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", addr, err)
		}
		deps.fanout = redisnet.Fanout{Client: client, Logger: logger}
	}
	return deps, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
