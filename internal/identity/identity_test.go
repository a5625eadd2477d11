package identity

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stavrobot/coder/internal/observability"
)

func TestUsername(t *testing.T) {
	assert.Equal(t, "plug_weather", Username("weather"))
	assert.Equal(t, "plug_my_plugin", Username("my-plugin"))
	assert.Equal(t, "plug_a_b_c", Username("a-b-c"))
}

func TestUsername_Truncation(t *testing.T) {
	long := "very-long-plugin-name-that-exceeds-the-limit"
	name := Username(long)

	assert.Len(t, name, maxUsernameLength)
	assert.Equal(t, "plug_very_long_plugin_name_that_", name)
}

func TestResolveOwner(t *testing.T) {
	dir := t.TempDir()

	uid, gid, err := ResolveOwner(dir)
	require.NoError(t, err)

	assert.Equal(t, uint32(os.Getuid()), uid)
	assert.Equal(t, uint32(os.Getgid()), gid)
}

func TestResolveOwner_MissingDirectory(t *testing.T) {
	_, _, err := ResolveOwner("/does/not/exist")
	assert.Error(t, err)
}

type fakeCommand struct {
	name string
	args []string
}

func newTestMapper(t *testing.T, run runAccountCommand) (*Mapper, *[]fakeCommand) {
	t.Helper()

	cache, err := lru.New[string, ownerKey](ensureCacheSize)
	require.NoError(t, err)

	calls := &[]fakeCommand{}
	m := &Mapper{
		logger: observability.NewNopLogger(),
		cache:  cache,
		run: func(ctx context.Context, name string, args ...string) (int, string, error) {
			*calls = append(*calls, fakeCommand{name: name, args: args})
			return run(ctx, name, args...)
		},
	}
	return m, calls
}

func TestEnsureAccount_RunsBothCommands(t *testing.T) {
	m, calls := newTestMapper(t, func(ctx context.Context, name string, args ...string) (int, string, error) {
		return 0, "", nil
	})

	username := m.EnsureAccount(context.Background(), "my-plugin", 1500, 1500)
	require.Equal(t, "plug_my_plugin", username)

	require.Len(t, *calls, 2)
	assert.Equal(t, "groupadd", (*calls)[0].name)
	assert.Equal(t, []string{"--system", "--gid", "1500", "plug_my_plugin"}, (*calls)[0].args)
	assert.Equal(t, "useradd", (*calls)[1].name)
	assert.Equal(t, []string{
		"--system", "--no-create-home",
		"--uid", "1500", "--gid", "1500", "plug_my_plugin",
	}, (*calls)[1].args)
}

func TestEnsureAccount_ExistingAccountIsSuccess(t *testing.T) {
	m, calls := newTestMapper(t, func(ctx context.Context, name string, args ...string) (int, string, error) {
		return exitAlreadyExists, "already exists", nil
	})

	m.EnsureAccount(context.Background(), "weather", 1000, 1000)
	require.Len(t, *calls, 2)

	// Exit 9 counts as success, so the second task skips the commands.
	m.EnsureAccount(context.Background(), "weather", 1000, 1000)
	assert.Len(t, *calls, 2)
}

func TestEnsureAccount_FailureRetriesNextTask(t *testing.T) {
	m, calls := newTestMapper(t, func(ctx context.Context, name string, args ...string) (int, string, error) {
		return 4, "invalid gid", nil
	})

	m.EnsureAccount(context.Background(), "weather", 1000, 1000)
	m.EnsureAccount(context.Background(), "weather", 1000, 1000)

	// Failures are not cached, both tasks run both commands.
	assert.Len(t, *calls, 4)
}

func TestEnsureAccount_MissingToolchainDoesNotAbort(t *testing.T) {
	m, _ := newTestMapper(t, func(ctx context.Context, name string, args ...string) (int, string, error) {
		return 0, "", errors.New("exec: \"groupadd\": executable file not found in $PATH")
	})

	// Must still return a usable username.
	username := m.EnsureAccount(context.Background(), "weather", 1000, 1000)
	assert.Equal(t, "plug_weather", username)
}

func TestEnsureAccount_OwnerChangeReruns(t *testing.T) {
	m, calls := newTestMapper(t, func(ctx context.Context, name string, args ...string) (int, string, error) {
		return 0, "", nil
	})

	m.EnsureAccount(context.Background(), "weather", 1000, 1000)
	m.EnsureAccount(context.Background(), "weather", 2000, 2000)

	require.Len(t, *calls, 4)
	assert.Contains(t, (*calls)[2].args, strconv.Itoa(2000))
}
