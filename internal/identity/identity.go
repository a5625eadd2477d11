// Package identity maps plugin workspaces onto dedicated system accounts.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stavrobot/coder/internal/observability"
)

const (
	usernamePrefix    = "plug_"
	maxUsernameLength = 32

	// groupadd and useradd exit with 9 when the name is already taken.
	exitAlreadyExists = 9

	ensureCacheSize = 256
)

// Username derives the system account name for a plugin. Hyphens become
// underscores and the result is truncated to the useradd limit.
func Username(plugin string) string {
	name := usernamePrefix + strings.ReplaceAll(plugin, "-", "_")
	if len(name) > maxUsernameLength {
		name = name[:maxUsernameLength]
	}
	return name
}

// ResolveOwner returns the uid and gid owning the given workspace directory.
func ResolveOwner(dir string) (uint32, uint32, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("stat workspace: %w", err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("workspace %s has no unix ownership info", dir)
	}
	return st.Uid, st.Gid, nil
}

// runAccountCommand executes an account management command and reports its
// exit code. A non-nil error means the command could not run at all.
type runAccountCommand func(ctx context.Context, name string, args ...string) (int, string, error)

func execAccountCommand(ctx context.Context, name string, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), strings.TrimSpace(stderr.String()), nil
		}
		return 0, "", err
	}
	return 0, strings.TrimSpace(stderr.String()), nil
}

type ownerKey struct {
	uid uint32
	gid uint32
}

// Mapper ensures a system group and user exist for each plugin workspace.
type Mapper struct {
	logger *observability.Logger
	run    runAccountCommand
	cache  *lru.Cache[string, ownerKey]
}

// NewMapper creates a new account Mapper.
func NewMapper(logger *observability.Logger) *Mapper {
	cache, err := lru.New[string, ownerKey](ensureCacheSize)
	if err != nil {
		// lru.New only errors on non-positive size.
		cache = nil
	}
	return &Mapper{
		logger: logger.With("component", "identity"),
		run:    execAccountCommand,
		cache:  cache,
	}
}

// EnsureAccount makes sure the plugin's system group and user exist with the
// workspace's uid and gid. The commands are idempotent and failures never
// abort the task: problems are logged as warnings and execution proceeds,
// since the account may already be correct from a previous run or image build.
// Returns the derived username.
func (m *Mapper) EnsureAccount(ctx context.Context, plugin string, uid, gid uint32) string {
	username := Username(plugin)
	key := ownerKey{uid: uid, gid: gid}

	if m.cache != nil {
		if prev, ok := m.cache.Get(plugin); ok && prev == key {
			return username
		}
	}

	groupOK := m.ensure(ctx, "groupadd", username, plugin,
		"--system", "--gid", strconv.FormatUint(uint64(gid), 10), username)
	userOK := m.ensure(ctx, "useradd", username, plugin,
		"--system", "--no-create-home",
		"--uid", strconv.FormatUint(uint64(uid), 10),
		"--gid", strconv.FormatUint(uint64(gid), 10), username)

	// Only a clean pass is cached so the next task retries after a warning.
	if groupOK && userOK && m.cache != nil {
		m.cache.Add(plugin, key)
	}

	return username
}

func (m *Mapper) ensure(ctx context.Context, command, username, plugin string, args ...string) bool {
	code, stderr, err := m.run(ctx, command, args...)
	if err != nil {
		m.logger.Warn("account command unavailable",
			"command", command, "plugin", plugin, "username", username, "error", err)
		return false
	}
	if code != 0 && code != exitAlreadyExists {
		m.logger.Warn("account command failed",
			"command", command, "plugin", plugin, "username", username,
			"exit_code", code, "stderr", stderr)
		return false
	}
	return true
}
