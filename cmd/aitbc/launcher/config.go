package launcher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"

	"github.com/oib/aitbc-chain/integration"
)

// Config aggregates every subsystem's configuration the launcher needs.
type Config struct {
	Node    NodeConfig
	P2P     P2PConfig
	Metrics MetricsConfig
	Logging LoggingConfig
	Runtime integration.PresetConfig
}

type NodeConfig struct {
	DataDir string
	Name    string
	Genesis string

	ValidatorID  uint32
	ValidatorKey string
}

type P2PConfig struct {
	ListenAddr string
	ListenPort int
	Bootnodes  []string
	NodeKey    string
}

type MetricsConfig struct {
	Enable   bool
	HTTPAddr string
	HTTPPort int
}

type LoggingConfig struct {
	Verbosity int
	Format    string
	Color     bool
	SentryDSN string
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

func defaultConfig() Config {
	return Config{
		Node: NodeConfig{
			DataDir: filepath.Join(GuessHomeDir(), ".aitbc"),
			Name:    "aitbc",
		},
		P2P: P2PConfig{
			ListenAddr: "0.0.0.0",
			ListenPort: 5050,
		},
		Metrics: MetricsConfig{
			HTTPAddr: "127.0.0.1",
			HTTPPort: 6060,
		},
		Logging: LoggingConfig{
			Verbosity: 4,
			Format:    "text",
		},
		Runtime: integration.DefaultPreset(),
	}
}

// MakeAllConfigs merges defaults, the optional config file, the selected
// preset and CLI overrides, in that order.
func MakeAllConfigs(ctx *cli.Context) (Config, error) {
	cfg := defaultConfig()

	if file := stringFlag(ctx, "config"); file != "" {
		if err := loadConfigFile(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if isSet(ctx, "preset") {
		p, err := integration.GetPresetByName(stringFlag(ctx, "preset"))
		if err != nil {
			return cfg, err
		}
		integration.ApplyPreset(&cfg.Runtime, p)
		cfg.Metrics.Enable = cfg.Metrics.Enable || p.EnableMetrics
	}

	applyCLIOverrides(ctx, &cfg)

	if !cfg.Runtime.InMemory {
		if err := ensureDir(cfg.Node.DataDir); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return err
}

func writeConfig(w io.Writer, cfg *Config) error {
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := MakeAllConfigs(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() == 0 {
		return writeConfig(os.Stdout, &cfg)
	}
	f, err := os.Create(ctx.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()
	return writeConfig(f, &cfg)
}

// flag lookups fall back to global flags so subcommands see them too
func isSet(ctx *cli.Context, name string) bool {
	return ctx.IsSet(name) || ctx.GlobalIsSet(name)
}

func stringFlag(ctx *cli.Context, name string) string {
	if ctx.IsSet(name) {
		return ctx.String(name)
	}
	return ctx.GlobalString(name)
}

func intFlag(ctx *cli.Context, name string) int {
	if ctx.IsSet(name) {
		return ctx.Int(name)
	}
	return ctx.GlobalInt(name)
}

func applyCLIOverrides(ctx *cli.Context, cfg *Config) {
	if isSet(ctx, "datadir") {
		cfg.Node.DataDir = resolvePath(stringFlag(ctx, "datadir"))
	}
	if isSet(ctx, "identity") {
		cfg.Node.Name = stringFlag(ctx, "identity")
	}
	if isSet(ctx, "genesis") {
		cfg.Node.Genesis = resolvePath(stringFlag(ctx, "genesis"))
	}
	if isSet(ctx, "validator.id") {
		cfg.Node.ValidatorID = uint32(intFlag(ctx, "validator.id"))
	}
	if isSet(ctx, "validator.key") {
		cfg.Node.ValidatorKey = resolvePath(stringFlag(ctx, "validator.key"))
	}

	if isSet(ctx, "addr") {
		cfg.P2P.ListenAddr = stringFlag(ctx, "addr")
	}
	if isSet(ctx, "port") {
		cfg.P2P.ListenPort = intFlag(ctx, "port")
	}
	if isSet(ctx, "bootnodes") {
		cfg.P2P.Bootnodes = splitCSV(stringFlag(ctx, "bootnodes"))
	}
	if isSet(ctx, "nodekey") {
		cfg.P2P.NodeKey = resolvePath(stringFlag(ctx, "nodekey"))
	}

	if isSet(ctx, "metrics") {
		cfg.Metrics.Enable = true
	}
	if isSet(ctx, "metrics.addr") {
		cfg.Metrics.HTTPAddr = stringFlag(ctx, "metrics.addr")
	}
	if isSet(ctx, "metrics.port") {
		cfg.Metrics.HTTPPort = intFlag(ctx, "metrics.port")
	}

	if isSet(ctx, "log.format") {
		cfg.Logging.Format = stringFlag(ctx, "log.format")
	}
	if isSet(ctx, "log.verbosity") {
		cfg.Logging.Verbosity = intFlag(ctx, "log.verbosity")
	}
	if isSet(ctx, "log.color") {
		cfg.Logging.Color = true
	}
	if isSet(ctx, "log.sentry") {
		cfg.Logging.SentryDSN = stringFlag(ctx, "log.sentry")
	}

	if isSet(ctx, "workers") {
		cfg.Runtime.Workers = intFlag(ctx, "workers")
	}
	if isSet(ctx, "cache") {
		cfg.Runtime.CacheMB = intFlag(ctx, "cache")
	}
	if isSet(ctx, "txpool.size") {
		cfg.Runtime.TxPoolSize = intFlag(ctx, "txpool.size")
	}
}

func (c *Config) nodeKeyPath() string {
	if c.P2P.NodeKey != "" {
		return c.P2P.NodeKey
	}
	if c.Runtime.InMemory {
		return ""
	}
	return filepath.Join(c.Node.DataDir, "nodekey")
}

func (c *Config) listenMultiaddr() string {
	return fmt.Sprintf("/ip4/%s/tcp/%d", c.P2P.ListenAddr, c.P2P.ListenPort)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create datadir %s: %w", dir, err)
	}
	return nil
}

func resolvePath(p string) string {
	if strings.HasPrefix(p, "~") {
		return filepath.Join(GuessHomeDir(), strings.TrimPrefix(p, "~"))
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(GuessWorkDir(), p)
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func GuessWorkDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func GuessHomeDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir
	}
	return "."
}
