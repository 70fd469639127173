// Package signaling installs the process's fault and user-interrupt signal
// handlers. Go's runtime already intercepts SIGSEGV/SIGBUS/SIGILL for its
// own fatal-panic reporting before a registered handler would see them
// reliably, so the fault handlers below are best-effort: they catch what
// the runtime lets through (notably SIGFPE and SIGABRT raised outside the
// runtime) and always log a goroutine dump.
package signaling

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cuemby/iobench/internal/sharedstate"
	"github.com/cuemby/iobench/pkg/log"
)

const backtracePath = "/tmp/iobench_fault_trace.txt"

// InterruptDiscipline owns the process's signal handling for one run: it
// turns SIGINT/SIGTERM into SharedPhaseState flags that phase-boundary
// checks observe, and handles fault signals by dumping diagnostics before
// exiting.
type InterruptDiscipline struct {
	shared  *sharedstate.SharedPhaseState
	faultCh chan os.Signal
	userCh  chan os.Signal
	stopCh  chan struct{}
}

// New builds an InterruptDiscipline bound to shared, the SharedPhaseState
// that phase-boundary checks consult.
func New(shared *sharedstate.SharedPhaseState) *InterruptDiscipline {
	return &InterruptDiscipline{
		shared:  shared,
		faultCh: make(chan os.Signal, 1),
		userCh:  make(chan os.Signal, 1),
		stopCh:  make(chan struct{}),
	}
}

// RegisterFaultSignalHandlers installs handlers for the fault-class
// signals. Call once per process.
func (d *InterruptDiscipline) RegisterFaultSignalHandlers() {
	signal.Notify(d.faultCh, syscall.SIGFPE, syscall.SIGABRT, syscall.SIGILL, syscall.SIGBUS)
	go d.faultLoop()
}

func (d *InterruptDiscipline) faultLoop() {
	for sig := range d.faultCh {
		msg := fmt.Sprintf("FAULT HANDLER (PID %d): %s", os.Getpid(), describeSignal(sig))
		fmt.Fprintln(os.Stderr, msg)

		buf := make([]byte, 1<<20)
		trace := buf[:runtime.Stack(buf, true)]
		fmt.Fprintln(os.Stderr, "******** BACKTRACE START ********")
		os.Stderr.Write(trace)
		fmt.Fprintln(os.Stderr, "********* BACKTRACE END *********")

		if f, err := os.OpenFile(backtracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err == nil {
			fmt.Fprintln(f, msg)
			f.Write(trace)
			f.Close()
			os.Chmod(backtracePath, 0666)
			fmt.Fprintf(os.Stderr, "Saved backtrace: %s\n", backtracePath)
		}

		os.Exit(1)
	}
}

func describeSignal(sig os.Signal) string {
	switch sig {
	case syscall.SIGFPE:
		return "floating point exception"
	case syscall.SIGBUS:
		return "bus error (bad memory access)"
	case syscall.SIGILL:
		return "illegal instruction"
	case syscall.SIGABRT:
		return "abnormal termination"
	default:
		return fmt.Sprintf("received an unknown signal: %v", sig)
	}
}

// RegisterUserInterruptHandlers installs SIGINT/SIGTERM handlers that set
// SharedPhaseState's interrupt flag on first receipt, then immediately
// restore the default disposition so a second signal terminates the process
// hard.
func (d *InterruptDiscipline) RegisterUserInterruptHandlers() {
	signal.Notify(d.userCh, syscall.SIGINT, syscall.SIGTERM)
	go d.userLoop()
}

func (d *InterruptDiscipline) userLoop() {
	select {
	case sig := <-d.userCh:
		sigLogger := log.WithComponent("signaling")
		sigLogger.Warn().Str("signal", sig.String()).
			Msg("received interrupt signal, requesting graceful stop")
		d.shared.SetUserInterrupt()
		signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	case <-d.stopCh:
	}
}

// Stop cancels the user-interrupt goroutine without exiting the process; used
// in tests and on clean shutdown.
func (d *InterruptDiscipline) Stop() {
	close(d.stopCh)
	signal.Stop(d.userCh)
}
