package spawn

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devstack-io/devstack/internal/logger"
)

func TestBuildCommandPlain(t *testing.T) {
	cmd := buildCommand("sleep 5")
	require.NotEmpty(t, cmd.Args)
	assert.Equal(t, []string{"sleep", "5"}, cmd.Args)
}

func TestBuildCommandShellMetachars(t *testing.T) {
	cmd := buildCommand("sleep 5 && echo done")
	require.GreaterOrEqual(t, len(cmd.Args), 3)
	assert.Equal(t, "/bin/sh", cmd.Args[0])
	assert.Equal(t, "-c", cmd.Args[1])
}

func TestSpawnEmptyCommand(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(Spec{Name: "api", Command: "  "})
	assert.Error(t, err)
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(Spec{Name: "api", Command: "definitely-not-a-binary-xyz"})
	assert.Error(t, err)
}

func TestSpawnReturnsHandleAndLogFile(t *testing.T) {
	dir := t.TempDir()
	h, err := ExecSpawner{}.Spawn(Spec{
		Name:    "sleeper",
		Command: "echo started && sleep 2",
		Log:     logger.Config{Dir: dir},
	})
	require.NoError(t, err)
	require.Positive(t, h.PID)
	defer func() { _ = syscall.Kill(-h.PID, syscall.SIGKILL) }()

	assert.Equal(t, "sleeper", h.Name)
	assert.Equal(t, dir+"/sleeper.log", h.LogPath)

	// Process is alive and detached in its own group.
	assert.NoError(t, syscall.Kill(h.PID, 0))

	// Log file appears once the child writes (lumberjack creates it lazily).
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, statErr := os.Stat(h.LogPath); statErr == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log file %s never created", h.LogPath)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
