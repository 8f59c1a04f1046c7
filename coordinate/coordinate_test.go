package coordinate

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Jomy10/beaver/target"
)

// countingDispatcher records how many BuildCustomTarget calls overlap:
// two concurrent requests for the same target must never run its build
// command at the same time.
type countingDispatcher struct {
	mu         sync.Mutex
	inFlight   map[target.TargetRef]bool
	overlapped atomic.Bool
	calls      atomic.Int32
	fail       map[target.TargetRef]bool
}

func newCountingDispatcher() *countingDispatcher {
	return &countingDispatcher{inFlight: make(map[target.TargetRef]bool)}
}

func (d *countingDispatcher) BuildCustomTarget(ref target.TargetRef) error {
	d.mu.Lock()
	if d.inFlight[ref] {
		d.overlapped.Store(true)
	}
	d.inFlight[ref] = true
	d.mu.Unlock()

	d.calls.Add(1)
	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	d.inFlight[ref] = false
	d.mu.Unlock()

	if d.fail != nil && d.fail[ref] {
		return fmt.Errorf("intentional failure for %v", ref)
	}
	return nil
}

// mkfifoAt creates a named pipe at path.
func mkfifoAt(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, unix.Mkfifo(path, 0o600))
}

// sendBuildAndReadResult connects to the socket, writes the "build
// P:T pipe" command, and returns what the server wrote to pipePath,
// mirroring the shell fragment emit/ninja.go's customTargetCommand
// produces (mkfifo, announce over the socket, then block reading the
// pipe).
func sendBuildAndReadResult(t *testing.T, socketPath string, ref target.TargetRef, pipePath string) string {
	t.Helper()
	mkfifoAt(t, pipePath)
	defer os.Remove(pipePath)

	readDone := make(chan string, 1)
	go func() {
		f, err := os.Open(pipePath)
		if err != nil {
			readDone <- ""
			return
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		if scanner.Scan() {
			readDone <- scanner.Text()
		} else {
			readDone <- ""
		}
	}()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	_, err = fmt.Fprintf(conn, "build %d:%d %s\n", ref.Project, ref.Target, pipePath)
	require.NoError(t, err)
	conn.Close()

	select {
	case result := <-readDone:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for coordination response")
		return ""
	}
}

func TestBuildCommandRunsAndRespondsSuccess(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "beaver.sock")

	d := newCountingDispatcher()
	srv, err := NewServer(socketPath, d)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Close()

	ref := target.TargetRef{Project: 0, Target: 0}
	pipePath := filepath.Join(dir, "pipe1")
	result := sendBuildAndReadResult(t, socketPath, ref, pipePath)

	assert.Equal(t, "0", result)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestBuildCommandRunsAndRespondsFailure(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "beaver.sock")

	ref := target.TargetRef{Project: 0, Target: 1}
	d := newCountingDispatcher()
	d.fail = map[target.TargetRef]bool{ref: true}

	srv, err := NewServer(socketPath, d)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Close()

	pipePath := filepath.Join(dir, "pipe2")
	result := sendBuildAndReadResult(t, socketPath, ref, pipePath)

	assert.Equal(t, "1", result)
}

// TestConcurrentBuildsOfSameTargetAreSerialized: firing two build
// requests for the same TargetRef back to back must never let
// BuildCustomTarget run for both at once.
func TestConcurrentBuildsOfSameTargetAreSerialized(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "beaver.sock")

	d := newCountingDispatcher()
	srv, err := NewServer(socketPath, d)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Close()

	ref := target.TargetRef{Project: 0, Target: 0}

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pipePath := filepath.Join(dir, fmt.Sprintf("pipe-concurrent-%d", i))
			results[i] = sendBuildAndReadResult(t, socketPath, ref, pipePath)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, "0", results[0])
	assert.Equal(t, "0", results[1])
	assert.Equal(t, int32(2), d.calls.Load())
	assert.False(t, d.overlapped.Load(), "BuildCustomTarget ran concurrently for the same TargetRef")
}

func TestSendShutdownStopsServe(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "beaver.sock")

	d := newCountingDispatcher()
	srv, err := NewServer(socketPath, d)
	require.NoError(t, err)

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()

	require.NoError(t, SendShutdown(socketPath))

	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestResponsePipePathIsUnderTempDir(t *testing.T) {
	path, err := ResponsePipePath("abc-123")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.TempDir(), "beaver_pipe_abc-123"), path)
}

func TestParseBuildCommand(t *testing.T) {
	ref, pipe, err := parseBuildCommand("build 2:5 /tmp/beaver_pipe_x")
	require.NoError(t, err)
	assert.Equal(t, target.TargetRef{Project: 2, Target: 5}, ref)
	assert.Equal(t, "/tmp/beaver_pipe_x", pipe)

	_, _, err = parseBuildCommand("nonsense")
	assert.Error(t, err)

	_, _, err = parseBuildCommand("build x:5 /tmp/p")
	assert.Error(t, err)
}
