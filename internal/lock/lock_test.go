//go:build unix

package lock

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReentrantRead(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "db.lock"), time.Second)

	first, err := l.AcquireRead()
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, l.InUse())

	nested, err := l.AcquireRead()
	require.NoError(t, err)
	assert.False(t, nested, "nested acquire must not retake the fcntl lock")

	last, err := l.ReleaseRead()
	require.NoError(t, err)
	assert.False(t, last)

	last, err = l.ReleaseRead()
	require.NoError(t, err)
	assert.True(t, last)
	assert.False(t, l.InUse())
}

func TestUpgradeAndMasquerade(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "db.lock"), time.Second)

	_, err := l.AcquireRead()
	require.NoError(t, err)

	first, err := l.AcquireWrite()
	require.NoError(t, err)
	assert.True(t, first, "upgrade takes the exclusive fcntl lock")

	// Releasing the write hold while a read hold remains keeps the
	// exclusive lock in place until the final release.
	last, err := l.ReleaseWrite()
	require.NoError(t, err)
	assert.False(t, last)
	assert.True(t, l.InUse())

	last, err = l.ReleaseRead()
	require.NoError(t, err)
	assert.True(t, last)
}

func TestReleaseWithoutAcquire(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "db.lock"), time.Second)

	_, err := l.ReleaseRead()
	assert.ErrorIs(t, err, ErrNotHeld)
	_, err = l.ReleaseWrite()
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestLazyCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "db.lock")
	l := New(path, time.Second)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	_, err = l.AcquireRead()
	require.NoError(t, err)
	defer l.ReleaseRead()

	_, err = os.Stat(path)
	assert.NoError(t, err, "lock file is created on first acquisition")
}

func TestReadOnlyFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permission checks")
	}
	path := filepath.Join(t.TempDir(), "db.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o444))

	l := New(path, time.Second)
	_, err := l.AcquireWrite()
	assert.ErrorIs(t, err, ErrReadOnlyFile)

	_, err = l.AcquireRead()
	require.NoError(t, err)

	// The descriptor is read-only now; an upgrade cannot work either.
	_, err = l.AcquireWrite()
	assert.ErrorIs(t, err, ErrReadOnlyFile)
	l.ReleaseRead()
}

func TestUnwritableLocation(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permission checks")
	}
	dir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.Mkdir(dir, 0o555))

	l := New(filepath.Join(dir, "db.lock"), time.Second)
	_, err := l.AcquireRead()
	assert.ErrorIs(t, err, ErrCannotCreate)
}

// Cross-process behavior. fcntl locks never conflict within one process,
// so contention is exercised against a re-executed copy of the test
// binary holding the lock (see TestHelperProcess).

func TestContendedWriteLockTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.lock")
	helper := startHolder(t, path, "write", 0, 0)
	defer helper.release(t)

	l := New(path, 200*time.Millisecond)
	_, err := l.AcquireRead()
	assert.ErrorIs(t, err, ErrTimeout)
	_, err = l.AcquireWrite()
	assert.ErrorIs(t, err, ErrTimeout)

	helper.release(t)

	_, err = l.AcquireWrite()
	require.NoError(t, err)
	l.ReleaseWrite()
}

func TestSharedReadAcrossProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.lock")
	helper := startHolder(t, path, "read", 0, 0)
	defer helper.release(t)

	l := New(path, 200*time.Millisecond)
	first, err := l.AcquireRead()
	require.NoError(t, err, "shared locks coexist across processes")
	assert.True(t, first)

	// An upgrade needs exclusivity and must wait out the other reader.
	_, err = l.AcquireWrite()
	assert.ErrorIs(t, err, ErrTimeout)

	helper.release(t)

	_, err = l.AcquireWrite()
	require.NoError(t, err)
	l.ReleaseWrite()
	l.ReleaseRead()
}

func TestByteRangesAreIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefix.lock")
	helper := startHolder(t, path, "write", 0, 1)
	defer helper.release(t)

	// A write lock on byte 0 does not block byte 1.
	other := NewRange(path, 1, 1, 200*time.Millisecond)
	_, err := other.AcquireWrite()
	require.NoError(t, err)
	other.ReleaseWrite()

	same := NewRange(path, 0, 1, 200*time.Millisecond)
	_, err = same.AcquireWrite()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBlockedAcquireSucceedsOnRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.lock")
	helper := startHolder(t, path, "write", 0, 0)
	defer helper.release(t)

	// Release the holder shortly before the poll deadline: the blocked
	// acquisition should pick up the lock instead of timing out.
	go func() {
		time.Sleep(300 * time.Millisecond)
		helper.signalRelease()
	}()

	l := New(path, 10*time.Second)
	_, err := l.AcquireWrite()
	require.NoError(t, err)
	l.ReleaseWrite()
}

// holder is a child process keeping a lock held until told to release.
type holder struct {
	cmd         *exec.Cmd
	releasePath string
	released    bool
}

func startHolder(t *testing.T, path, mode string, start, length int64) *holder {
	t.Helper()
	dir := filepath.Dir(path)
	ready := filepath.Join(dir, "helper.ready")
	release := filepath.Join(dir, "helper.release")

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(),
		"LOCKTEST_HELPER=1",
		"LOCKTEST_PATH="+path,
		"LOCKTEST_MODE="+mode,
		fmt.Sprintf("LOCKTEST_START=%d", start),
		fmt.Sprintf("LOCKTEST_LENGTH=%d", length),
		"LOCKTEST_READY="+ready,
		"LOCKTEST_RELEASE="+release,
	)
	require.NoError(t, cmd.Start())

	h := &holder{cmd: cmd, releasePath: release}
	require.True(t, waitForFile(ready, 10*time.Second), "helper never acquired the lock")
	return h
}

func (h *holder) signalRelease() {
	os.WriteFile(h.releasePath, nil, 0o644)
}

func (h *holder) release(t *testing.T) {
	t.Helper()
	if h.released {
		return
	}
	h.released = true
	h.signalRelease()
	require.NoError(t, h.cmd.Wait())
}

func waitForFile(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// TestHelperProcess is not a test. It is the body of the child process
// spawned by startHolder: acquire the requested lock, report readiness,
// wait for the release signal, let go.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LOCKTEST_HELPER") != "1" {
		return
	}
	var start, length int64
	fmt.Sscan(os.Getenv("LOCKTEST_START"), &start)
	fmt.Sscan(os.Getenv("LOCKTEST_LENGTH"), &length)

	l := NewRange(os.Getenv("LOCKTEST_PATH"), start, length, 5*time.Second)
	var err error
	if os.Getenv("LOCKTEST_MODE") == "write" {
		_, err = l.AcquireWrite()
	} else {
		_, err = l.AcquireRead()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(os.Getenv("LOCKTEST_READY"), nil, 0o644); err != nil {
		os.Exit(1)
	}
	if !waitForFile(os.Getenv("LOCKTEST_RELEASE"), 30*time.Second) {
		os.Exit(1)
	}
	if os.Getenv("LOCKTEST_MODE") == "write" {
		_, err = l.ReleaseWrite()
	} else {
		_, err = l.ReleaseRead()
	}
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
