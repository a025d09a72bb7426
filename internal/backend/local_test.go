package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Local {
	t.Helper()
	b, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestLocalFileOps(t *testing.T) {
	b := newTestBackend(t)

	t.Run("write then read round trip", func(t *testing.T) {
		require.NoError(t, b.WriteFile("sub/dir/a.txt", []byte("hello")))

		data, err := b.ReadFile("sub/dir/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("exists", func(t *testing.T) {
		require.NoError(t, b.WriteFile("b.txt", []byte("x")))

		ok, err := b.Exists("b.txt")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Exists("missing.txt")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, b.WriteFile("c.txt", []byte("x")))
		require.NoError(t, b.Remove("c.txt"))

		ok, err := b.Exists("c.txt")
		require.NoError(t, err)
		assert.False(t, ok)

		err = b.Remove("c.txt")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("read missing file", func(t *testing.T) {
		_, err := b.ReadFile("nope.txt")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list dir", func(t *testing.T) {
		require.NoError(t, b.WriteFile("d/one.txt", []byte("1")))
		require.NoError(t, b.WriteFile("d/two.txt", []byte("2")))

		entries, err := b.ListDir("d")
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

func TestLocalPathContainment(t *testing.T) {
	b := newTestBackend(t)

	cases := []string{
		"../outside.txt",
		"sub/../../outside.txt",
		"",
	}
	for _, path := range cases {
		t.Run(path, func(t *testing.T) {
			_, err := b.ReadFile(path)
			assert.ErrorIs(t, err, ErrPathEscapesRoot)

			err = b.WriteFile(path, []byte("x"))
			assert.ErrorIs(t, err, ErrPathEscapesRoot)
		})
	}

	t.Run("absolute path inside root is allowed", func(t *testing.T) {
		inside := filepath.Join(b.Root(), "ok.txt")
		require.NoError(t, b.WriteFile(inside, []byte("x")))

		_, err := os.Stat(inside)
		assert.NoError(t, err)
	})

	t.Run("absolute path outside root is rejected", func(t *testing.T) {
		err := b.WriteFile("/etc/loom-test.txt", []byte("x"))
		assert.ErrorIs(t, err, ErrPathEscapesRoot)
	})
}

func TestLocalIdentity(t *testing.T) {
	a := newTestBackend(t)
	b := newTestBackend(t)

	assert.NotEqual(t, a.ID(), b.ID(), "two roots must have distinct identities")
	assert.True(t, strings.HasPrefix(a.ID(), "local:"))
}

func TestRunCommand(t *testing.T) {
	b := newTestBackend(t)

	t.Run("captures output and exit code", func(t *testing.T) {
		var streamed []string
		result, err := b.RunCommand(context.Background(), Command{Command: "echo one; echo two"}, func(chunk string) {
			streamed = append(streamed, chunk)
		})
		require.NoError(t, err)

		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "one\ntwo\n", result.Output)
		assert.Len(t, streamed, 2)
	})

	t.Run("non-zero exit code", func(t *testing.T) {
		result, err := b.RunCommand(context.Background(), Command{Command: "exit 3"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, result.ExitCode)
	})

	t.Run("runs inside the root", func(t *testing.T) {
		result, err := b.RunCommand(context.Background(), Command{Command: "pwd"}, nil)
		require.NoError(t, err)
		assert.Equal(t, b.Root(), strings.TrimSpace(result.Output))
	})

	t.Run("cancellation kills the process", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		result, err := b.RunCommand(ctx, Command{Command: "sleep 30"}, nil)
		require.NoError(t, err)

		assert.True(t, result.Killed)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("cancellation kills the whole process tree", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		// The grandchild inherits the output pipe; killing only the
		// shell would leave the read loop blocked on it.
		start := time.Now()
		result, err := b.RunCommand(ctx, Command{Command: "sh -c 'sleep 30' & wait"}, nil)
		require.NoError(t, err)

		assert.True(t, result.Killed)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("timeout kills the process", func(t *testing.T) {
		result, err := b.RunCommand(context.Background(), Command{
			Command: "sleep 30",
			Timeout: 100 * time.Millisecond,
		}, nil)
		require.NoError(t, err)
		assert.True(t, result.Killed)
	})
}
