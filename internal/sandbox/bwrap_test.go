package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bwrapFor(level Level, workDir string) *bwrapBackend {
	return newBwrapBackend(Options{
		SessionName: "test",
		WorkDir:     workDir,
		Config:      Config{Backend: KindBwrap, Level: level},
	})
}

// indexOfPair finds flag followed by value in args, or -1.
func indexOfPair(args []string, flag, value string) int {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return i
		}
	}
	return -1
}

func TestBwrapPermissiveArgs(t *testing.T) {
	b := bwrapFor(LevelPermissive, "/work")

	exe, args := b.WrapCommand("/usr/bin/agent", []string{"--print"})
	require.Equal(t, "bwrap", exe)

	assert.Contains(t, args, "--die-with-parent")
	assert.Contains(t, args, "--unshare-pid")
	assert.NotEqual(t, -1, indexOfPair(args, "--ro-bind", "/"))
	assert.NotEqual(t, -1, indexOfPair(args, "--bind", "/work"))
	assert.NotEqual(t, -1, indexOfPair(args, "--tmpfs", "/tmp"))
	assert.NotContains(t, args, "--unshare-net")
}

func TestBwrapTmpIsNeverWritableHostTmp(t *testing.T) {
	for _, level := range []Level{LevelPermissive, LevelStandard, LevelStrict} {
		b := bwrapFor(level, "/work")
		_, args := b.WrapCommand("agent", nil)

		assert.Equal(t, -1, indexOfPair(args, "--bind", "/tmp"), "level %s", level)
		assert.NotEqual(t, -1, indexOfPair(args, "--tmpfs", "/tmp"), "level %s", level)
	}
}

func TestBwrapStandardUsesCuratedBinds(t *testing.T) {
	b := bwrapFor(LevelStandard, "/work")
	_, args := b.WrapCommand("agent", nil)

	assert.Equal(t, -1, indexOfPair(args, "--ro-bind", "/"))
	// /usr and /etc exist on any test host.
	assert.NotEqual(t, -1, indexOfPair(args, "--ro-bind", "/usr"))
	assert.NotEqual(t, -1, indexOfPair(args, "--ro-bind", "/etc"))
	assert.NotContains(t, args, "--unshare-net")
}

func TestBwrapStrictUnsharesNetwork(t *testing.T) {
	b := bwrapFor(LevelStrict, "/work")
	_, args := b.WrapCommand("agent", nil)

	assert.Contains(t, args, "--unshare-net")
}

func TestBwrapCommandTail(t *testing.T) {
	b := bwrapFor(LevelPermissive, "/work")
	_, args := b.WrapCommand("/usr/bin/agent", []string{"--print", "--verbose"})

	n := len(args)
	require.GreaterOrEqual(t, n, 4)
	assert.Equal(t, []string{"--", "/usr/bin/agent", "--print", "--verbose"}, args[n-4:])

	chdir := indexOfPair(args, "--chdir", "/work")
	assert.NotEqual(t, -1, chdir)
	assert.Less(t, chdir, n-4)
}

func TestBwrapStartStopAreCheap(t *testing.T) {
	b := bwrapFor(LevelPermissive, t.TempDir())
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, KindBwrap, b.Kind())
}
