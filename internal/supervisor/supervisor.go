package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"aflwatch/config"
	"aflwatch/internal/stats"
	"aflwatch/internal/watcher"

	"go.uber.org/zap"
)

type WaitReason string

const (
	ReasonCrashDetected WaitReason = "crash_detected"
	ReasonTimeout       WaitReason = "timeout"
	ReasonInterrupted   WaitReason = "interrupted"
	ReasonNotRunning    WaitReason = "not_running"
	ReasonError         WaitReason = "error"
)

// WaitResult is what a WaitForCrash caller wakes up with.
type WaitResult struct {
	Crashed    bool
	CrashCount int
	CrashFiles []string
	WaitTime   time.Duration
	State      State
	Reason     WaitReason
	Err        error
}

// Status is an instantaneous view of the session. IsRunning is a fresh
// liveness probe, not a cached flag.
type Status struct {
	State     State       `json:"state"`
	IsRunning bool        `json:"is_running"`
	PID       int         `json:"pid"`
	Stats     stats.Stats `json:"stats"`
}

// Supervisor owns one afl-fuzz child process and everything watching it: an
// output-reader goroutine feeding the stats parser and the state machine, a
// stats-file poller, and a CrashWatcher on the crashes directory. Callers
// block on WaitForCrash instead of polling for artifacts.
//
// At most one child is owned at a time; Start while a child is alive is
// rejected. All failures surface as state changes and return values, never
// as panics out of the supervisor.
type Supervisor struct {
	logger *zap.Logger
	opts   Options
	cfg    config.SupervisorConfig
	parser *stats.Parser

	crashLatch  *Latch
	progressSeq atomic.Uint64

	startMu      sync.Mutex // serializes Start against Start
	mu           sync.Mutex
	cmd          *exec.Cmd
	pid          int
	exited       bool
	state        State
	stats        stats.Stats
	lastCrashes  int
	stopCh       chan struct{}
	outputDone   chan struct{}
	statsDone    chan struct{}
	crashWatcher *watcher.CrashWatcher

	onStateChange    func(State, stats.Stats)
	onCrashFound     func(int)
	onProgressUpdate func(stats.Stats)
}

func New(logger *zap.Logger, opts Options, cfg config.SupervisorConfig) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	return &Supervisor{
		logger:     logger.With(zap.String("target", opts.TargetBinary)),
		opts:       opts,
		cfg:        cfg,
		parser:     stats.NewParser(),
		crashLatch: NewLatch(),
		state:      Initializing,
	}
}

// Callback setters. All callbacks are optional and run on supervisor
// goroutines, so they must not block.

func (s *Supervisor) SetOnStateChange(fn func(State, stats.Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

func (s *Supervisor) SetOnCrashFound(fn func(int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCrashFound = fn
}

func (s *Supervisor) SetOnProgressUpdate(fn func(stats.Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProgressUpdate = fn
}

// Start spawns afl-fuzz in its own process group and brings up the monitor
// goroutines and the crash watcher. Returns false without side effects when
// a child is already alive, and false with state Error when the spawn fails.
func (s *Supervisor) Start(extraArgs []string, extraEnv map[string]string) bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.cmd != nil && !s.exited && processAlive(s.pid) {
		pid := s.pid
		s.mu.Unlock()
		s.logger.Warn("fuzzing process already running", zap.Int("pid", pid))
		return false
	}
	// retire leftovers from a child that exited on its own
	staleStop := s.stopCh
	staleCw := s.crashWatcher
	s.stopCh = nil
	s.crashWatcher = nil
	s.cmd = nil
	s.mu.Unlock()

	if staleStop != nil {
		close(staleStop)
	}
	if staleCw != nil {
		staleCw.Stop()
	}

	s.mu.Lock()
	if err := os.MkdirAll(s.opts.OutputDir, 0755); err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to create output directory", zap.Error(err))
		s.setState(Error)
		return false
	}

	fuzzer := s.opts.FuzzerPath
	if fuzzer == "" {
		fuzzer = "afl-fuzz"
	}
	args := s.opts.buildArgs(s.cfg.ExecTimeoutMs, extraArgs)

	cmd := exec.Command(fuzzer, args...)
	env := append(os.Environ(), baseEnv()...)
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to open output pipe", zap.Error(err))
		s.setState(Error)
		return false
	}
	cmd.Stderr = cmd.Stdout // merge both streams into one reader

	s.logger.Info("starting fuzzing process", zap.String("command", cmd.String()))
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to start fuzzing process", zap.Error(err))
		s.setState(Error)
		return false
	}

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.exited = false
	s.stats = stats.Stats{}
	s.lastCrashes = 0
	s.stopCh = make(chan struct{})
	s.outputDone = make(chan struct{})
	s.statsDone = make(chan struct{})

	// move to Starting before the output monitor runs, so a fast child
	// cannot have its first transition overwritten
	s.state = Starting
	stateCb := s.onStateChange
	startStats := s.stats

	go s.monitorOutput(cmd, stdout, s.outputDone)
	go s.monitorStats(s.stopCh, s.statsDone)

	var fw *watcher.Watcher
	if s.opts.ForcePolling {
		fw = watcher.NewPolling(s.logger, s.cfg.PollInterval)
	} else {
		fw = watcher.New(s.logger)
	}
	cw := watcher.NewCrashWatcher(s.logger, s.opts.crashesDirPath(), fw, s.handleCrashArtifacts)
	if cw.Start() {
		s.crashWatcher = cw
	} else {
		s.logger.Warn("crash artifact monitoring unavailable, stats fallback only")
		s.crashWatcher = nil
	}

	s.crashLatch.Arm()
	pid := s.pid
	s.mu.Unlock()

	s.logger.Info("fuzzing state changed", zap.Stringer("state", Starting))
	if stateCb != nil {
		stateCb(Starting, startStats)
	}
	s.logger.Info("fuzzing process started", zap.Int("pid", pid))
	return true
}

// Stop tears the session down: monitor goroutines are signalled and joined
// with a bounded timeout, the crash watcher stops, and the child's whole
// process group is terminated. Graceful mode sends SIGTERM first and
// escalates to SIGKILL when the grace period expires. Any goroutine blocked
// in WaitForCrash is released. Returns false when nothing is running.
func (s *Supervisor) Stop(graceful bool) bool {
	s.mu.Lock()
	cmd := s.cmd
	if cmd == nil {
		s.mu.Unlock()
		s.logger.Warn("no fuzzing process to stop")
		return false
	}
	pid := s.pid
	stopCh := s.stopCh
	outputDone := s.outputDone
	statsDone := s.statsDone
	cw := s.crashWatcher
	s.cmd = nil
	s.stopCh = nil
	s.crashWatcher = nil
	s.mu.Unlock()

	s.logger.Info("stopping fuzzing process", zap.Int("pid", pid), zap.Bool("graceful", graceful))

	close(stopCh)
	if cw != nil {
		cw.Stop()
	}

	if graceful {
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			s.logger.Warn("failed to signal process group", zap.Int("pid", pid), zap.Error(err))
		}
		select {
		case <-outputDone:
			s.logger.Info("fuzzing process terminated gracefully")
		case <-time.After(s.cfg.GracePeriod):
			s.logger.Warn("grace period expired, killing process group", zap.Int("pid", pid))
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
				s.logger.Warn("failed to kill process group", zap.Error(err))
			}
		}
	} else {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			s.logger.Warn("failed to kill process group", zap.Error(err))
		}
	}

	s.joinMonitor(outputDone, "output")
	s.joinMonitor(statsDone, "stats")

	s.setState(Terminated)
	s.crashLatch.Interrupt()
	return true
}

// Status reports the session state with a fresh liveness probe.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := s.state
	pid := s.pid
	cur := s.stats
	alive := s.cmd != nil && !s.exited
	s.mu.Unlock()

	return Status{
		State:     st,
		IsRunning: alive && processAlive(pid),
		PID:       pid,
		Stats:     cur,
	}
}

// State returns the current session state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Crashes returns the crash artifacts found so far, preferring the watcher's
// de-duplicated set and falling back to a one-shot directory scan when no
// watcher is active.
func (s *Supervisor) Crashes() []string {
	s.mu.Lock()
	cw := s.crashWatcher
	s.mu.Unlock()

	if cw != nil {
		return cw.CrashFiles()
	}
	return watcher.ScanCrashDir(s.opts.crashesDirPath())
}

// WaitForCrash blocks the calling goroutine until a crash artifact appears,
// the timeout elapses (timeout <= 0 waits indefinitely), or the session is
// torn down. The latch is re-armed on every call: a crash that happened
// before this call does not fire it, this is one arm-and-wait cycle, not a
// persistent flag. Never panics out; unexpected failures come back with
// Reason ReasonError.
func (s *Supervisor) WaitForCrash(timeout time.Duration) (result WaitResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("wait for crash failed", zap.Any("panic", r))
			result = WaitResult{
				State:  s.State(),
				Reason: ReasonError,
				Err:    fmt.Errorf("wait for crash: %v", r),
			}
		}
	}()

	if !s.alive() {
		return WaitResult{
			CrashFiles: []string{},
			State:      s.State(),
			Reason:     ReasonNotRunning,
			Err:        errors.New("fuzzing process is not running"),
		}
	}

	start := time.Now()
	s.crashLatch.Arm()
	if timeout > 0 {
		s.logger.Info("waiting for crash event", zap.Duration("timeout", timeout))
	} else {
		s.logger.Info("waiting for crash event without timeout")
	}

	outcome := s.crashLatch.Wait(timeout)
	waited := time.Since(start)
	files := s.Crashes()

	result = WaitResult{
		CrashCount: len(files),
		CrashFiles: files,
		WaitTime:   waited,
		State:      s.State(),
	}
	switch outcome {
	case latchFired:
		result.Crashed = true
		result.Reason = ReasonCrashDetected
		s.logger.Info("crash event detected",
			zap.Duration("waited", waited),
			zap.Int("crash_count", len(files)))
	case latchTimedOut:
		result.Reason = ReasonTimeout
		s.logger.Info("crash wait timed out", zap.Duration("waited", waited))
	case latchInterrupted:
		if s.alive() {
			result.Reason = ReasonInterrupted
		} else {
			result.Reason = ReasonNotRunning
		}
		s.logger.Info("crash wait interrupted", zap.Duration("waited", waited))
	}
	return result
}

// ProgressMessage renders a human-readable status line. The trailing
// timestamp/exec/sequence component makes consecutive calls distinct even
// when the descriptive text has not changed, so duplicate-output detectors
// upstream do not misfire on a healthy long-running session.
func (s *Supervisor) ProgressMessage() string {
	s.mu.Lock()
	st := s.state
	cur := s.stats
	cw := s.crashWatcher
	s.mu.Unlock()

	var parts []string
	switch st {
	case Starting:
		parts = append(parts, "fuzzer is initializing the campaign environment")
	case Running:
		parts = append(parts, fmt.Sprintf("fuzzing at %.1f execs/sec", cur.ExecSpeed))
		parts = append(parts, fmt.Sprintf("%d paths discovered", cur.PathsFound))
		crashCount := cur.CrashesFound
		if cw != nil {
			crashCount = cw.CrashCount()
		}
		if crashCount > 0 {
			parts = append(parts, fmt.Sprintf("%d crashes found", crashCount))
		}
	case Exploring:
		parts = append(parts, "exploring new execution paths")
	case FinalPhase:
		parts = append(parts, "entering final optimization phase")
	case Finished:
		parts = append(parts, "fuzzing run complete")
	default:
		parts = append(parts, "fuzzer state: "+st.String())
	}

	seq := s.progressSeq.Add(1)
	parts = append(parts, fmt.Sprintf("[T:%d|E:%d|#%d]",
		time.Now().Unix()%1000, cur.TotalExecs%1000, seq))
	return strings.Join(parts, " | ")
}

// OutputDir exposes the session output directory for collaborators that
// collect artifacts after the run.
func (s *Supervisor) OutputDir() string {
	return s.opts.OutputDir
}

func (s *Supervisor) monitorOutput(cmd *exec.Cmd, r io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if parsed := s.parser.ParseLine(line); len(parsed) > 0 {
			s.mu.Lock()
			s.stats.Apply(parsed)
			s.mu.Unlock()
		}
		s.detectStateChange(line)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("output stream closed", zap.Error(err))
	}

	// reap the child so liveness probes stop seeing a zombie
	_ = cmd.Wait()
	s.mu.Lock()
	if s.cmd == cmd {
		s.exited = true
	}
	s.mu.Unlock()
	s.logger.Debug("output monitor finished")
}

func (s *Supervisor) monitorStats(stopCh <-chan struct{}, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	path := s.opts.statsFilePath()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := os.Stat(path); err != nil {
				continue // not written yet, keep waiting
			}
			snap := s.parser.ParseStatsFile(path)

			s.mu.Lock()
			grew := snap.CrashesFound > s.lastCrashes
			if grew {
				s.lastCrashes = snap.CrashesFound
			}
			s.stats = snap
			cur := s.stats
			crashCb := s.onCrashFound
			progressCb := s.onProgressUpdate
			s.mu.Unlock()

			if grew {
				s.logger.Info("fuzzer stats report new crashes", zap.Int("total", snap.CrashesFound))
				s.crashLatch.Set()
				if crashCb != nil {
					crashCb(snap.CrashesFound)
				}
			}
			if progressCb != nil {
				progressCb(cur)
			}
		}
	}
}

// handleCrashArtifacts is the CrashWatcher callback: file-system truth for
// crash counts, intentionally redundant with the stats-file path so a slow
// or missing fuzzer_stats never hides a crash.
func (s *Supervisor) handleCrashArtifacts(files []string) {
	s.crashLatch.Set()

	s.mu.Lock()
	count := len(files)
	grew := count > s.lastCrashes
	if grew {
		s.lastCrashes = count
	}
	cb := s.onCrashFound
	s.mu.Unlock()

	if grew && cb != nil {
		cb(count)
	}
}

func (s *Supervisor) detectStateChange(line string) {
	target, ok := stateFromLine(line)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.state.absorbing() || s.state == target {
		s.mu.Unlock()
		return
	}
	s.state = target
	cur := s.stats
	cb := s.onStateChange
	s.mu.Unlock()

	s.logger.Info("fuzzing state changed", zap.Stringer("state", target))
	if cb != nil {
		cb(target, cur)
	}
}

func (s *Supervisor) setState(target State) {
	s.mu.Lock()
	if s.state == target {
		s.mu.Unlock()
		return
	}
	s.state = target
	cur := s.stats
	cb := s.onStateChange
	s.mu.Unlock()

	s.logger.Info("fuzzing state changed", zap.Stringer("state", target))
	if cb != nil {
		cb(target, cur)
	}
}

func (s *Supervisor) joinMonitor(done <-chan struct{}, name string) {
	select {
	case <-done:
	case <-time.After(s.cfg.JoinTimeout):
		s.logger.Warn("monitor goroutine did not exit in time", zap.String("monitor", name))
	}
}

func (s *Supervisor) alive() bool {
	s.mu.Lock()
	cmd := s.cmd
	pid := s.pid
	exited := s.exited
	s.mu.Unlock()
	return cmd != nil && !exited && processAlive(pid)
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
