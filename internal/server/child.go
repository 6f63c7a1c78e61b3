package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/ianremillard/mpld/internal/wire"
	"github.com/ianremillard/mpld/device"
)

// childProcess tracks the single supervised subprocess: its pid, the
// configuration that decides how signals get forwarded to it, and its
// eventual exit code.
type childProcess struct {
	cmd        *exec.Cmd
	pid        int
	killPgroup bool
	exitCode   int
	doneCh     chan struct{}
}

// startChild forks argv as the supervised process. It creates a new
// session for the child (Setsid: true) so that opening /dev/tty inside it
// fails as spec'd, without also calling Setpgid — calling setpgid() after
// setsid() on the session leader returns EPERM, and the new session
// already gives kill(-pid, sig) semantics for free. Go's exec.Cmd never
// hands the child any descriptor beyond stdin/stdout/stderr unless told to
// via ExtraFiles, so "close all other inherited descriptors" falls out of
// not setting that field.
func (s *Server) startChild(argv []string) (*childProcess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("server: no command given")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = os.Stdin
	cmd.Env = append(os.Environ(),
		"MULTIPROC_LOG_DEVICE_STREAM="+s.streamSockPath,
		"MULTIPROC_LOG_DEVICE_DGRAM="+s.dgramSockPath,
	)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("server: create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	var stderrR, stderrW *os.File
	if s.cfg.CaptureStderr {
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			return nil, fmt.Errorf("server: create stderr pipe: %w", err)
		}
		cmd.Stderr = stderrW
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		if stderrR != nil {
			stderrR.Close()
			stderrW.Close()
		}
		return nil, fmt.Errorf("server: start command: %w", err)
	}

	// The write ends now live in the child; the parent only needs the read
	// ends to relay bytes into the stream devices.
	stdoutW.Close()
	if stderrW != nil {
		stderrW.Close()
	}

	pid := int64(cmd.Process.Pid)

	stdoutType := wire.Atom("stdout")
	stdoutClient, err := device.DialStream(s.streamSockPath, nil, pid, stdoutType)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("server: dial stdout stream device: %w", err)
	}
	go relayPipe(stdoutR, stdoutClient)

	if s.cfg.CaptureStderr {
		stderrType := wire.Atom("stderr")
		stderrClient, err := device.DialStream(s.streamSockPath, nil, pid, stderrType)
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return nil, fmt.Errorf("server: dial stderr stream device: %w", err)
		}
		go relayPipe(stderrR, stderrClient)
	}

	cp := &childProcess{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		killPgroup: s.cfg.KillPgroup,
		doneCh:     make(chan struct{}),
	}

	go func() {
		waitErr := cmd.Wait()
		cp.exitCode = exitCodeFrom(waitErr)
		close(cp.doneCh)
	}()

	return cp, nil
}

// relayPipe copies everything the child writes on one stream into the
// corresponding stream device connection, closing both ends once the
// child's end of the pipe is closed (i.e. the child, and anything it
// forked that inherited the descriptor, has finished writing).
func relayPipe(r *os.File, client *device.StreamClient) {
	defer r.Close()
	defer client.Close()
	io.Copy(client, r)
}

// kill sends sig to the child, targeting its process group when
// killPgroup is set, falling back to the bare pid if the group lookup
// fails.
func (cp *childProcess) kill(sig syscall.Signal) {
	if cp.killPgroup {
		if pgid, err := syscall.Getpgid(cp.pid); err == nil {
			syscall.Kill(-pgid, sig)
			return
		}
	}
	syscall.Kill(cp.pid, sig)
}

func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}
