package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/TedBerlin/baguette-metro-sub000/internal/config"
)

// SetupLogger configures a JSON slog logger on stdout carrying the service,
// version and environment on every line.
func SetupLogger(cfg config.Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(cfg)}
	return slog.New(slog.NewJSONHandler(w, opts)).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("version", cfg.AppVersion),
		slog.String("env", cfg.AppEnv),
		slog.String("state_backend", cfg.StateBackend),
	)
}

// logLevel honours LOG_LEVEL and otherwise logs debug in dev, info elsewhere.
func logLevel(cfg config.Config) slog.Level {
	if cfg.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
			return lvl
		}
	}
	if cfg.IsDev() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
