package madx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/emittance.scan/internal/monitoring"
	"github.com/banshee-data/emittance.scan/internal/tfs"
)

// DefaultTwissFailureMarkers are output fragments (matched case-insensitively)
// that mark a failed optics solve.
var DefaultTwissFailureMarkers = []string{
	"twiss failed",
	"unstable",
	"closed orbit not found",
}

// DefaultErrorMarkers are output fragments that mark a failed command.
var DefaultErrorMarkers = []string{
	"+=+=+= fatal",
	"++++++ error",
}

// ProcessConfig describes how to launch the simulator.
type ProcessConfig struct {
	Binary  string   // engine executable, e.g. "madx"
	Args    []string // extra arguments
	Env     []string // extra environment, appended to os.Environ()
	Dir     string   // working directory of the engine
	LogPath string   // file collecting the engine's stdout and stderr

	// TableDir receives the twiss and survey files. Empty uses a temporary
	// directory removed on Close.
	TableDir string

	// CommandTimeout bounds each command. Zero waits forever.
	CommandTimeout time.Duration

	TwissFailureMarkers []string // nil uses DefaultTwissFailureMarkers
	ErrorMarkers        []string // nil uses DefaultErrorMarkers
}

// ProcessSession drives an engine process over its stdin. Each command is
// followed by a print of a unique sync token; the command is complete when the
// token comes back on stdout. Output is appended to the log file before it is
// handed to the caller, so the log is current when a command returns.
type ProcessSession struct {
	cfg      ProcessConfig
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	logFile  *os.File
	lines    chan string
	pumpDone chan struct{}
	tableDir string
	tempDir  bool

	mu     sync.Mutex
	seq    int
	broken error
	closed bool
}

var _ Session = (*ProcessSession)(nil)

// StartProcess launches the engine described by cfg.
func StartProcess(cfg ProcessConfig) (*ProcessSession, error) {
	if cfg.Binary == "" {
		return nil, errors.New("madx: engine binary not configured")
	}
	if cfg.LogPath == "" {
		return nil, errors.New("madx: log path not configured")
	}
	if cfg.TwissFailureMarkers == nil {
		cfg.TwissFailureMarkers = DefaultTwissFailureMarkers
	}
	if cfg.ErrorMarkers == nil {
		cfg.ErrorMarkers = DefaultErrorMarkers
	}

	s := &ProcessSession{
		cfg:      cfg,
		lines:    make(chan string, 1024),
		pumpDone: make(chan struct{}),
		tableDir: cfg.TableDir,
	}
	if s.tableDir == "" {
		dir, err := os.MkdirTemp("", "emittance-scan-")
		if err != nil {
			return nil, fmt.Errorf("create table dir: %w", err)
		}
		s.tableDir, s.tempDir = dir, true
	} else if err := os.MkdirAll(s.tableDir, 0755); err != nil {
		return nil, fmt.Errorf("create table dir: %w", err)
	}

	logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.cleanupTables()
		return nil, fmt.Errorf("open engine log: %w", err)
	}
	s.logFile = logFile

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.abortStart()
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.abortStart()
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		s.abortStart()
		return nil, fmt.Errorf("start engine %s: %w", cfg.Binary, err)
	}
	s.cmd, s.stdin = cmd, stdin
	monitoring.Debugf("Started engine %s (pid %d), log %s", cfg.Binary, cmd.Process.Pid, cfg.LogPath)

	go s.pump(stdout)
	return s, nil
}

func (s *ProcessSession) abortStart() {
	s.logFile.Close()
	s.cleanupTables()
}

func (s *ProcessSession) cleanupTables() {
	if s.tempDir {
		os.RemoveAll(s.tableDir)
	}
}

// pump copies engine output into the log and the line channel.
func (s *ProcessSession) pump(r io.Reader) {
	defer close(s.pumpDone)
	defer close(s.lines)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	logErr := false
	for sc.Scan() {
		line := sc.Text()
		if _, err := fmt.Fprintln(s.logFile, line); err != nil && !logErr {
			monitoring.Logf("madx: writing engine log %s: %v", s.cfg.LogPath, err)
			logErr = true
		}
		s.lines <- line
	}
}

// LogPath returns the engine log file.
func (s *ProcessSession) LogPath() string { return s.cfg.LogPath }

// TableDir returns the directory receiving twiss and survey files.
func (s *ProcessSession) TableDir() string { return s.tableDir }

// run sends script and collects the output lines up to its sync token.
func (s *ProcessSession) run(ctx context.Context, script string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionClosed, s.broken)
	}

	s.seq++
	token := fmt.Sprintf("emittance_scan_sync_%d", s.seq)
	monitoring.Debugf("madx <- %s", script)
	payload := script + "\n" + fmt.Sprintf("print, text=%s;\n", Quote(token))
	if _, err := io.WriteString(s.stdin, payload); err != nil {
		s.broken = err
		return nil, fmt.Errorf("%w: write command: %v", ErrSessionClosed, err)
	}

	var timeout <-chan time.Time
	if s.cfg.CommandTimeout > 0 {
		timer := time.NewTimer(s.cfg.CommandTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var out []string
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				s.broken = errors.New("engine exited")
				return out, fmt.Errorf("%w: engine exited during %q", ErrSessionClosed, firstLine(script))
			}
			if strings.TrimSpace(line) == token {
				return out, nil
			}
			out = append(out, line)
		case <-ctx.Done():
			s.broken = ctx.Err()
			return out, ctx.Err()
		case <-timeout:
			s.broken = fmt.Errorf("command timed out after %s", s.cfg.CommandTimeout)
			return out, fmt.Errorf("madx: %q: %v", firstLine(script), s.broken)
		}
	}
}

// exec runs script and maps engine error output to ErrCommandFailed.
func (s *ProcessSession) exec(ctx context.Context, script string) ([]string, error) {
	out, err := s.run(ctx, script)
	if err != nil {
		return out, err
	}
	if line, ok := findMarker(out, s.cfg.ErrorMarkers); ok {
		return out, fmt.Errorf("%w: %q: %s", ErrCommandFailed, firstLine(script), strings.TrimSpace(line))
	}
	return out, nil
}

// SetGlobal assigns a numeric global.
func (s *ProcessSession) SetGlobal(ctx context.Context, name string, value float64) error {
	cmd, err := AssignCommand(name, value)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, cmd)
	return err
}

// Global reads a numeric global.
func (s *ProcessSession) Global(ctx context.Context, name string) (float64, error) {
	cmd, err := ValueCommand(name)
	if err != nil {
		return 0, err
	}
	out, err := s.exec(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return parseValueOutput(name, out)
}

// Input runs raw script text.
func (s *ProcessSession) Input(ctx context.Context, script string) error {
	_, err := s.exec(ctx, script)
	return err
}

// Twiss runs the optics solve and reads back its table.
func (s *ProcessSession) Twiss(ctx context.Context, opts TwissOptions) (*tfs.Table, error) {
	file := filepath.Join(s.tableDir, "twiss.tfs")
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clear twiss file: %w", err)
	}
	cmd, err := TwissCommand(opts, file)
	if err != nil {
		return nil, err
	}

	out, err := s.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if line, ok := findMarker(out, s.cfg.TwissFailureMarkers); ok {
		return nil, fmt.Errorf("%w: %s", ErrTwissFailed, strings.TrimSpace(line))
	}
	if line, ok := findMarker(out, s.cfg.ErrorMarkers); ok {
		return nil, fmt.Errorf("%w: %s", ErrTwissFailed, strings.TrimSpace(line))
	}
	table, err := tfs.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no twiss table written", ErrTwissFailed)
		}
		return nil, err
	}
	return table, nil
}

// Survey runs the geometry computation and reads back its table.
func (s *ProcessSession) Survey(ctx context.Context) (*tfs.Table, error) {
	file := filepath.Join(s.tableDir, "survey.tfs")
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clear survey file: %w", err)
	}
	if _, err := s.exec(ctx, SurveyCommand(file)); err != nil {
		return nil, err
	}
	return tfs.ReadFile(file)
}

// Emit runs the emittance computation.
func (s *ProcessSession) Emit(ctx context.Context, deltap float64) error {
	_, err := s.exec(ctx, EmitCommand(deltap))
	return err
}

// Close asks the engine to exit and waits for it. A session left broken by a
// cancelled or timed out command is killed instead.
func (s *ProcessSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.broken == nil {
		if _, err := io.WriteString(s.stdin, "exit;\n"); err != nil {
			s.cmd.Process.Kill()
		}
	} else {
		s.cmd.Process.Kill()
	}
	s.stdin.Close()

	// Drain so the pump can reach EOF even if nobody reads the tail.
	go func() {
		for range s.lines {
		}
	}()
	<-s.pumpDone
	waitErr := s.cmd.Wait()

	s.logFile.Close()
	s.cleanupTables()

	if s.broken != nil {
		return nil
	}
	if waitErr != nil {
		return fmt.Errorf("engine exit: %w", waitErr)
	}
	return nil
}

func findMarker(lines, markers []string) (string, bool) {
	for _, l := range lines {
		lower := strings.ToLower(l)
		for _, m := range markers {
			if strings.Contains(lower, strings.ToLower(m)) {
				return l, true
			}
		}
	}
	return "", false
}

func firstLine(script string) string {
	script = strings.TrimSpace(script)
	if i := strings.IndexByte(script, '\n'); i >= 0 {
		return script[:i] + " ..."
	}
	return script
}
