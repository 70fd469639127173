package controlserver

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/cuemby/iobench/internal/errs"
)

// daemonEnvVar marks a re-exec'd child as already detached, so it does not
// detach again. Go cannot safely fork() a multi-threaded runtime in place,
// so daemonizing here re-execs the same binary with stdio redirected and a
// new session instead.
const daemonEnvVar = "IOBENCH_DAEMONIZED"

// Daemonize detaches the current process into the background: it re-execs
// argv[0] with identical arguments, a new session (so it survives the
// parent's terminal hangup), stdio redirected to /dev/null, and a working
// directory of "/". The parent exits immediately on success. Calling it a
// second time (detected via daemonEnvVar) is a no-op.
func Daemonize() error {
	if os.Getenv(daemonEnvVar) == "1" {
		return nil
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errs.NewConfigError("daemonize: opening %s: %v", os.DevNull, err)
	}
	defer devNull.Close()

	self, err := os.Executable()
	if err != nil {
		return errs.NewConfigError("daemonize: resolving executable path: %v", err)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return errs.NewConfigError("daemonize: starting detached child: %v", err)
	}

	fmt.Printf("Service backgrounded. PID: %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// PIDFile guards one service instance per port using an exclusively-locked
// file, released automatically when the process exits: a second instance
// fails on the flock instead of running alongside the first.
type PIDFile struct {
	f *os.File
}

// AcquirePIDFile opens (creating if needed) and exclusively, non-blockingly
// flocks path, writing the current PID into it. It fails if another process
// already holds the lock.
func AcquirePIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.NewConfigError("opening pid file %s: %v", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errs.NewConfigError("another service instance already holds %s", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteString(fmt.Sprintf("%d\n", os.Getpid())); err != nil {
		f.Close()
		return nil, err
	}

	return &PIDFile{f: f}, nil
}

// Release unlocks and closes the PID file. Safe to call once at process
// shutdown; the lock is also dropped automatically if the process dies.
func (p *PIDFile) Release() error {
	_ = syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	return p.f.Close()
}
