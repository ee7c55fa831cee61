package launcher

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/evalphobia/logrus_sentry"
	"github.com/sirupsen/logrus"
)

// verbosity 0 is panic only, 6 is trace
func verbosityLevel(v int) logrus.Level {
	switch {
	case v < 0:
		return logrus.PanicLevel
	case v > int(logrus.TraceLevel):
		return logrus.TraceLevel
	default:
		return logrus.Level(v)
	}
}

// setupLogging builds the root logger. Errors and worse are also sent to
// Sentry when a DSN is configured.
func setupLogging(cfg LoggingConfig, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(verbosityLevel(cfg.Verbosity))
	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{
			ForceColors:   cfg.Color,
			DisableColors: !cfg.Color,
			FullTimestamp: true,
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	if cfg.SentryDSN != "" {
		hook, err := logrus_sentry.NewSentryHook(cfg.SentryDSN, []logrus.Level{
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry hook: %w", err)
		}
		hook.Timeout = 2 * time.Second
		hook.StacktraceConfiguration.Enable = true
		log.AddHook(hook)
	}
	return log, nil
}
