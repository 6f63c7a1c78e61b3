//go:build integration

// Integration tests for mpld.
//
// Each test builds the mpld binary (and the dgramclient test helper) once
// via TestMain, then runs real mpld processes against small shell
// subcommands and asserts on the framed output, exit codes, and signal
// behavior described for the supervised process lifecycle.
//
// Run with:
//
//	go test -tags=integration -v ./test/
package integration_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Paths to the compiled binaries, set once in TestMain.
var (
	mpldBin        string
	dgramclientBin string
)

func TestMain(m *testing.M) {
	binDir, err := os.MkdirTemp("", "mpld-integration-bin-")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(binDir)

	mpldBin = filepath.Join(binDir, "mpld")
	if out, err := exec.Command("go", "build", "-o", mpldBin, "../cmd/mpld").CombinedOutput(); err != nil {
		panic("building mpld: " + err.Error() + "\n" + string(out))
	}

	dgramclientBin = filepath.Join(binDir, "dgramclient")
	if out, err := exec.Command("go", "build", "-o", dgramclientBin, "./testdata/dgramclient").CombinedOutput(); err != nil {
		panic("building dgramclient: " + err.Error() + "\n" + string(out))
	}

	os.Exit(m.Run())
}

func runMpld(t *testing.T, extraEnv []string, args ...string) (stdout string, exitCode int) {
	t.Helper()
	cmd := exec.Command(mpldBin, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return out.String(), 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return out.String(), exitErr.ExitCode()
	}
	t.Fatalf("running mpld: %v", err)
	return "", -1
}

// Exit code propagation: mpld's own exit code must equal the supervised
// command's exit code.
func TestExitCodePropagation(t *testing.T) {
	_, code := runMpld(t, nil, "--", "sh", "-c", "exit 7")
	assert.Equal(t, 7, code)
}

// A line the child writes to stdout comes out as one JSON record with an
// "_mpld" block carrying the child's pid and stream_type, followed by the
// line (newline included) as "message" — spec.md §8 scenario 2.
func TestJSONFramingOfALine(t *testing.T) {
	out, code := runMpld(t, nil, "-framing", "json", "--", "sh", "-c", "echo hi")
	require.Equal(t, 0, code)
	assert.Regexp(t,
		regexp.MustCompile(`^\{"_mpld":\{"pid":\d+,"stream_type":"stdout"\},"message":"hi\\n"\}\n$`),
		out)
}

// A process that forks a grandchild and exits immediately must still have
// every byte the grandchild writes before the shutdown timeout captured,
// even though the grandchild outlives its parent.
func TestGrandchildOutlivesParentExit(t *testing.T) {
	out, code := runMpld(t, nil, "--",
		"sh", "-c", `echo m1; (sleep 0.3; echo m2) & exit 0`)
	require.Equal(t, 0, code)
	assert.Equal(t, "m1\nm2\n", out)
}

// With --max-line-length 10 and "line" framing, "also_short\n" (11 bytes)
// splits into a forced 10-byte chunk and a lone trailing "\n" — the
// documented trailing empty-line artifact of splitting strictly on
// whichever comes first, a newline or the length cap.
func TestMaxLineLengthSplitsWithTrailingEmptyLineArtifact(t *testing.T) {
	script := `printf 'short\na_very_long_line\nalso_short\n'`
	out, code := runMpld(t, nil, "-framing", "line", "-max-line-length", "10", "--", "sh", "-c", script)
	require.Equal(t, 0, code)
	assert.Equal(t, "short\na_very_lon\ng_line\nalso_short\n\n", out)
}

// A structured message whose payload exceeds the datagram fallback
// threshold must still arrive intact, having gone through the
// AttachedFileProxy fd-passing path rather than a single datagram write.
func TestOversizeStructuredMessageUsesAttachedFileProxy(t *testing.T) {
	const size = 512*1024 + 2
	env := []string{
		"DGRAMCLIENT_MESSAGE_SIZE=" + strconv.Itoa(size),
	}

	cmd := exec.Command(mpldBin, "-framing", "none", "--", dgramclientBin)
	cmd.Env = append(os.Environ(), env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	require.NoError(t, err)
	assert.Equal(t, size, out.Len())
	assert.Equal(t, strings.Repeat("x", size), out.String())
}

// sigtestScript is written to a temp file per test: the outer shell traps
// SIGINT and records it into PARENT_FILE, a backgrounded inner shell traps
// the same signal and records it into CHILD_FILE. Neither sh -c enables job
// control, so the inner shell shares the outer shell's process group — the
// same relationship as a forked grandchild that never called setsid. Both
// loops are bounded so a signal that never arrives still lets the process
// exit instead of hanging the test suite.
const sigtestScript = `#!/bin/sh
trap 'echo SIGINT > "$PARENT_FILE"; exit 0' INT

sh -c 'trap "echo SIGINT > \"$CHILD_FILE\"; exit 0" INT; i=0; while [ "$i" -lt 100 ]; do sleep 0.05; i=$((i+1)); done' &

i=0
while [ "$i" -lt 100 ]; do sleep 0.05; i=$((i+1)); done
`

func runSignalScenario(t *testing.T, killPgroup bool) (parentFired, childFired bool) {
	t.Helper()
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "sigtest.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(sigtestScript), 0o755))

	parentFile := filepath.Join(dir, "parent.out")
	childFile := filepath.Join(dir, "child.out")

	args := []string{}
	if killPgroup {
		args = append(args, "-kill-pgroup")
	}
	args = append(args, "--", "sh", scriptPath)

	cmd := exec.Command(mpldBin, args...)
	cmd.Env = append(os.Environ(),
		"PARENT_FILE="+parentFile,
		"CHILD_FILE="+childFile,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start())

	// Give the script time to install its traps and background the inner
	// shell before the signal arrives.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, cmd.Process.Signal(syscall.SIGINT))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mpld did not exit after SIGINT")
	}

	_, parentErr := os.Stat(parentFile)
	_, childErr := os.Stat(childFile)
	return parentErr == nil, childErr == nil
}

// Without --kill-pgroup, the signal targets only the immediate child's pid,
// so the backgrounded grandchild in the same process group never sees it.
func TestSignalRelayWithoutKillPgroupTargetsParentOnly(t *testing.T) {
	parentFired, childFired := runSignalScenario(t, false)
	assert.True(t, parentFired, "parent should have received SIGINT")
	assert.False(t, childFired, "grandchild should not have received SIGINT")
}

// With --kill-pgroup, the signal targets the whole process group, so both
// the immediate child and the backgrounded grandchild in that group see it.
func TestSignalRelayWithKillPgroupTargetsWholeGroup(t *testing.T) {
	parentFired, childFired := runSignalScenario(t, true)
	assert.True(t, parentFired, "parent should have received SIGINT")
	assert.True(t, childFired, "grandchild should have received SIGINT via its process group")
}
