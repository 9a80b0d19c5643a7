// Package flagenv lets every binary take its flags from the command line,
// a dotenv file or PRIMECLAIM_* environment variables, in that order.
package flagenv

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const Prefix = "PRIMECLAIM_"

var ErrInvalidLevel = errors.New("flagenv: invalid log level")

// EnvName maps a flag name to its environment variable:
// "postgres-dsn" becomes PRIMECLAIM_POSTGRES_DSN.
func EnvName(flagName string) string {
	return Prefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// Apply loads envFile (when non-empty) and then sets every flag not given on
// the command line from its environment variable. Call after fs.Parse.
func Apply(fs *flag.FlagSet, envFile string) error {
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		// godotenv.Load never overrides variables already in the environment.
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		v, ok := os.LookupEnv(EnvName(f.Name))
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

func ParseLevel(v string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, v)
	}
}

// NewLogger returns the text logger every binary writes to stderr.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
