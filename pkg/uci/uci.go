package uci

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/markus-lassfolk/netlocd/pkg/logx"
)

// Package is the UCI package holding the daemon configuration
const Package = "netloc"

// runFunc executes a command and returns its standard output
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// UCI reads and writes the netloc package through the uci binary
type UCI struct {
	logger *logx.Logger
	run    runFunc
}

// NewUCI creates a new UCI client
func NewUCI(logger *logx.Logger) *UCI {
	if logger == nil {
		logger = logx.NewNopLogger()
	}
	return &UCI{
		logger: logger,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Load applies every option of the netloc package to cfg
func (u *UCI) Load(ctx context.Context, cfg *Config) error {
	output, err := u.execUCI(ctx, "-q", "show", Package)
	if err != nil {
		// package not present, keep defaults
		return nil
	}
	return cfg.parseShow(output)
}

// parseShow parses "uci show" output:
//
//	netloc.main=netloc
//	netloc.main.enable='1'
//	netloc.@mqtt[0]=mqtt
//	netloc.@mqtt[0].broker='10.0.0.2'
func (c *Config) parseShow(output string) error {
	types := make(map[string]string)

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		left, right, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		right = unquote(right)
		parts := strings.Split(left, ".")

		switch len(parts) {
		case 2:
			types[parts[1]] = right
		case 3:
			sectionType, known := types[parts[1]]
			if !known {
				sectionType = sectionTypeOf(parts[1])
			}
			if err := c.parseOption(sectionType, parts[2], right); err != nil {
				return fmt.Errorf("%s: %w", left, err)
			}
		}
	}
	return nil
}

// sectionTypeOf extracts the type from an anonymous section reference
// such as "@mqtt[0]"
func sectionTypeOf(section string) string {
	if !strings.HasPrefix(section, "@") {
		return ""
	}
	section = strings.TrimPrefix(section, "@")
	if i := strings.Index(section, "["); i != -1 {
		section = section[:i]
	}
	return section
}

// SetOption sets a UCI option value
func (u *UCI) SetOption(ctx context.Context, section, option, value string) error {
	_, err := u.execUCI(ctx, "set", fmt.Sprintf("%s.%s.%s=%s", Package, section, option, value))
	return err
}

// Commit commits pending UCI changes
func (u *UCI) Commit(ctx context.Context) error {
	_, err := u.execUCI(ctx, "commit", Package)
	return err
}

// ValidateUCI checks if UCI is available and working
func (u *UCI) ValidateUCI(ctx context.Context) error {
	if _, err := exec.LookPath("uci"); err != nil {
		return fmt.Errorf("UCI is not available: %w", err)
	}
	return nil
}

// execUCI executes a UCI command
func (u *UCI) execUCI(ctx context.Context, args ...string) (string, error) {
	output, err := u.run(ctx, "uci", args...)
	if err != nil {
		u.logger.Debug("UCI command failed", "command", "uci "+strings.Join(args, " "), "error", err)
		return "", fmt.Errorf("uci command failed: %w", err)
	}
	return string(output), nil
}
