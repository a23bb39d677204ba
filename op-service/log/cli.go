package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	opservice "github.com/mantlenetworkio/mantle-bundler/op-service"
)

const (
	LevelFlagName  = "log.level"
	FormatFlagName = "log.format"
	ColorFlagName  = "log.color"
)

// FormatType defines a type of log format.
// Supported formats: 'text', 'terminal', 'logfmt', 'json'
type FormatType string

const (
	FormatText     FormatType = "text"
	FormatTerminal FormatType = "terminal"
	FormatLogFmt   FormatType = "logfmt"
	FormatJSON     FormatType = "json"
)

var formatTypes = []FormatType{FormatText, FormatTerminal, FormatLogFmt, FormatJSON}

func (ft FormatType) String() string {
	return string(ft)
}

func (ft *FormatType) Set(value string) error {
	for _, v := range formatTypes {
		if string(v) == value {
			*ft = v
			return nil
		}
	}
	return fmt.Errorf("unrecognized log-format: %q", value)
}

// LevelFromString parses a geth-style level name.
func LevelFromString(lvl string) (slog.Level, error) {
	switch strings.ToLower(lvl) {
	case "trace":
		return log.LevelTrace, nil
	case "debug", "dbug":
		return log.LevelDebug, nil
	case "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error", "eror":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return 0, fmt.Errorf("unknown level: %v", lvl)
	}
}

func CLIFlags(envPrefix string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    LevelFlagName,
			Usage:   "The lowest log level that will be output",
			Value:   "info",
			EnvVars: opservice.PrefixEnvVar(envPrefix, "LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    FormatFlagName,
			Usage:   "Format the log output. Supported formats: 'text', 'terminal', 'logfmt', 'json'",
			Value:   string(FormatText),
			EnvVars: opservice.PrefixEnvVar(envPrefix, "LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    ColorFlagName,
			Usage:   "Color the log output if in terminal mode",
			EnvVars: opservice.PrefixEnvVar(envPrefix, "LOG_COLOR"),
		},
	}
}

type CLIConfig struct {
	Level  slog.Level
	Color  bool
	Format FormatType
}

func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		Level:  log.LevelInfo,
		Format: FormatText,
	}
}

// ReadCLIConfig reads the log config from the CLI context.
// Invalid values fall back to the defaults, Check on the parent config surfaces them.
func ReadCLIConfig(ctx *cli.Context) CLIConfig {
	cfg := DefaultCLIConfig()
	if lvl, err := LevelFromString(ctx.String(LevelFlagName)); err == nil {
		cfg.Level = lvl
	}
	var ft FormatType
	if err := ft.Set(ctx.String(FormatFlagName)); err == nil {
		cfg.Format = ft
	}
	if ctx.IsSet(ColorFlagName) {
		cfg.Color = ctx.Bool(ColorFlagName)
	} else {
		cfg.Color = isatty.IsTerminal(os.Stderr.Fd())
	}
	return cfg
}

// NewLogHandler creates a new configured handler, writing to wr.
func NewLogHandler(wr io.Writer, cfg CLIConfig) slog.Handler {
	switch cfg.Format {
	case FormatJSON:
		return JSONMsHandlerWithLevel(wr, cfg.Level)
	case FormatLogFmt:
		return LogfmtMsHandlerWithLevel(wr, cfg.Level)
	case FormatTerminal:
		return log.NewTerminalHandlerWithLevel(wr, cfg.Level, cfg.Color)
	default:
		return log.NewTerminalHandlerWithLevel(wr, cfg.Level, false)
	}
}

// NewLogger creates a logger from the config and installs it as the geth root logger.
func NewLogger(wr io.Writer, cfg CLIConfig) log.Logger {
	h := NewLogHandler(wr, cfg)
	l := log.NewLogger(h)
	log.SetDefault(l)
	return l
}

// SetupDefaults sets up the root logger before the CLI config has been read.
func SetupDefaults() {
	log.SetDefault(log.NewLogger(LogfmtMsHandlerWithLevel(os.Stdout, log.LevelInfo)))
}
