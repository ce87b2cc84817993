package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/devstack-io/devstack/internal/runner"
)

const pollStep = 50 * time.Millisecond

// Tracker persists name→pid records for spawned processes so a later
// invocation can stop them. Exactly one orchestrator invocation is
// assumed to own the record file at a time.
type Tracker struct {
	Path       string
	Runner     runner.Runner     // used only for the signature fallback
	Signatures map[string]string // service name → command-line signature
	Grace      time.Duration
	Log        *slog.Logger

	kill  func(pid int, sig syscall.Signal) error
	sleep func(time.Duration)
	now   func() time.Time
}

// New returns a Tracker backed by real signals and wall-clock time.
func New(path string, r runner.Runner, sigs map[string]string, grace time.Duration, log *slog.Logger) *Tracker {
	return &Tracker{
		Path:       path,
		Runner:     r,
		Signatures: sigs,
		Grace:      grace,
		Log:        log,
		kill:       syscall.Kill,
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// Record adds or replaces the pid entry for name and rewrites the
// record file. Format: one NAME_PID=<pid> assignment per line.
func (t *Tracker) Record(name string, pid int) error {
	entries, err := t.load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if entries == nil {
		entries = make(map[string]int)
	}
	entries[recordKey(name)] = pid
	return t.save(entries)
}

// StopAll terminates every recorded process: liveness check, SIGTERM to
// the process group, a grace period, then SIGKILL for anything still
// alive. Stale entries are dropped silently. A missing record file
// falls back to matching the known command-line signatures.
func (t *Tracker) StopAll(ctx context.Context) error {
	entries, err := t.load()
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		t.Log.Info("no process record found, falling back to signature lookup", "path", t.Path)
		return t.stopBySignature(ctx)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t.stopOne(name, entries[name])
		delete(entries, name)
	}
	return t.save(entries)
}

func (t *Tracker) stopOne(name string, pid int) {
	if !t.alive(pid) {
		t.Log.Debug("recorded process already gone", "name", name, "pid", pid)
		return
	}
	// The spawner puts children in their own process group; signal the
	// whole group so shell wrappers take their children with them.
	_ = t.kill(-pid, syscall.SIGTERM)
	deadline := t.now().Add(t.Grace)
	for t.alive(pid) && t.now().Before(deadline) {
		t.sleep(pollStep)
	}
	if t.alive(pid) {
		t.Log.Warn("process ignored SIGTERM, killing", "name", name, "pid", pid)
		_ = t.kill(-pid, syscall.SIGKILL)
	} else {
		t.Log.Info("process stopped", "name", name, "pid", pid)
	}
}

func (t *Tracker) stopBySignature(ctx context.Context) error {
	names := make([]string, 0, len(t.Signatures))
	for name := range t.Signatures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sig := t.Signatures[name]
		res, err := t.Runner.Run(ctx, "pkill", "-f", sig)
		if err != nil {
			t.Log.Warn("signature lookup failed", "name", name, "error", err)
			continue
		}
		// pkill exits 1 when nothing matched.
		if res.Ok() {
			t.Log.Info("stopped process by signature", "name", name, "signature", sig)
		}
	}
	return nil
}

func (t *Tracker) alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := t.kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (t *Tracker) load() (map[string]int, error) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]int)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || !strings.HasSuffix(key, "_PID") {
			t.Log.Warn("skipping malformed record line", "line", line)
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			t.Log.Warn("skipping record with invalid pid", "line", line)
			continue
		}
		entries[strings.TrimSuffix(key, "_PID")] = pid
	}
	return entries, nil
}

func (t *Tracker) save(entries map[string]int) error {
	if len(entries) == 0 {
		err := os.Remove(t.Path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s_PID=%d\n", k, entries[k])
	}
	if err := os.MkdirAll(filepath.Dir(t.Path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(t.Path, []byte(b.String()), 0o600)
}

func recordKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return key
}
