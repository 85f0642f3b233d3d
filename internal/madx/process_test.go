package madx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/banshee-data/emittance.scan/internal/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeEngineEnv = "EMITTANCE_SCAN_FAKE_ENGINE"

func TestMain(m *testing.M) {
	if os.Getenv(fakeEngineEnv) == "1" {
		fakeEngine()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

var (
	rePrint  = regexp.MustCompile(`^print, text="(.*)";$`)
	reAssign = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*) = (\S+);$`)
	reValue  = regexp.MustCompile(`^value, (\S+);$`)
	reFile   = regexp.MustCompile(`file="([^"]+)"`)
	reEmit   = regexp.MustCompile(`^emit, deltap=(\S+);$`)
)

// fakeEngine stands in for the simulator: it understands just enough of the
// scripting language for the session tests.
//
// k1 > 1 makes twiss fail; "offset" opens the survey in x.
func fakeEngine() {
	globals := map[string]float64{"deltap": 0}
	fmt.Println("  ++++++++++++++++++++++++++++++++++++++++++++")
	fmt.Println("  +     fake engine for emittance.scan tests +")
	fmt.Println("  ++++++++++++++++++++++++++++++++++++++++++++")

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "exit;":
			fmt.Println("  Number of warnings: 0")
			return
		case line == "hang;":
			time.Sleep(time.Hour)
		case line == "explode;":
			fmt.Println("+=+=+= fatal: unknown command explode")
		case rePrint.MatchString(line):
			fmt.Println(rePrint.FindStringSubmatch(line)[1])
		case reAssign.MatchString(line):
			m := reAssign.FindStringSubmatch(line)
			v, _ := strconv.ParseFloat(m[2], 64)
			globals[m[1]] = v
		case reValue.MatchString(line):
			name := reValue.FindStringSubmatch(line)[1]
			fmt.Printf("%s               =        %s ;\n", name, strconv.FormatFloat(globals[name], 'g', -1, 64))
		case len(line) >= 5 && line[:5] == "twiss":
			if globals["k1"] > 1 {
				fmt.Println("++++++ warning: TWISS:  Closed orbit not found, unstable")
				continue
			}
			file := reFile.FindStringSubmatch(line)[1]
			tfs := "@ NAME %05s \"TWISS\"\n* NAME S BETX BETY DX\n$ %s %le %le %le %le\n" +
				" \"#S\" 0 10 5 0\n \"QF1\" 5 12 4 0.1\n \"#E\" 10 10 5 0\n"
			os.WriteFile(file, []byte(tfs), 0644)
		case len(line) >= 6 && line[:6] == "survey":
			file := reFile.FindStringSubmatch(line)[1]
			tfs := fmt.Sprintf("* NAME X Z\n$ %%s %%le %%le\n \"#S\" 0 0\n \"#E\" %g 0.0001\n", globals["offset"])
			os.WriteFile(file, []byte(tfs), 0644)
		case reEmit.MatchString(line):
			fmt.Printf(" Emittances [pi micro m]     %g   %g   %g\n", 100*(1+globals["k1"]), 10.0, 1.0)
		}
	}
}

func startFake(t *testing.T, timeout time.Duration) *ProcessSession {
	t.Helper()
	dir := t.TempDir()
	s, err := StartProcess(ProcessConfig{
		Binary:         os.Args[0],
		Env:            []string{fakeEngineEnv + "=1"},
		LogPath:        filepath.Join(dir, "stdout.out"),
		TableDir:       filepath.Join(dir, "tables"),
		CommandTimeout: timeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessSession_GlobalsAndEmit(t *testing.T) {
	ctx := context.Background()
	s := startFake(t, 10*time.Second)

	require.NoError(t, s.SetGlobal(ctx, "k1", 0.5))
	v, err := s.Global(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	require.NoError(t, s.Emit(ctx, 0))
	require.NoError(t, s.SetGlobal(ctx, "k1", 0.25))
	require.NoError(t, s.Emit(ctx, 0))

	em, err := ParseEmittances(fsutil.OSFileSystem{}, s.LogPath(), false)
	require.NoError(t, err)
	assert.InDelta(t, 125.0, em.Ex, 1e-9)
	assert.InDelta(t, 10.0, em.Ey, 1e-9)
}

func TestProcessSession_TwissAndSurvey(t *testing.T) {
	ctx := context.Background()
	s := startFake(t, 10*time.Second)

	table, err := s.Twiss(ctx, TwissOptions{Sequence: "ring"})
	require.NoError(t, err)
	betx, err := table.At("betx", "qf1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, betx)

	res, err := CheckClosedMachine(ctx, s, DefaultClosureTolerance)
	require.NoError(t, err)
	assert.InDelta(t, 0.0001, res.ZDiff, 1e-12)

	require.NoError(t, s.SetGlobal(ctx, "offset", 0.01))
	_, err = CheckClosedMachine(ctx, s, DefaultClosureTolerance)
	assert.True(t, errors.Is(err, ErrMachineNotClosed))
}

func TestProcessSession_TwissFailed(t *testing.T) {
	ctx := context.Background()
	s := startFake(t, 10*time.Second)

	require.NoError(t, s.SetGlobal(ctx, "k1", 2))
	_, err := s.Twiss(ctx, TwissOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTwissFailed), "got %v", err)

	// The session stays usable after a failed solve.
	require.NoError(t, s.SetGlobal(ctx, "k1", 0))
	_, err = s.Twiss(ctx, TwissOptions{})
	assert.NoError(t, err)
}

func TestProcessSession_CommandError(t *testing.T) {
	s := startFake(t, 10*time.Second)

	err := s.Input(context.Background(), "explode;")
	assert.True(t, errors.Is(err, ErrCommandFailed), "got %v", err)
}

func TestProcessSession_CancelBreaksSession(t *testing.T) {
	s := startFake(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Input(ctx, "hang;")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	err = s.Emit(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrSessionClosed), "got %v", err)
	assert.NoError(t, s.Close())
}

func TestProcessSession_CommandTimeout(t *testing.T) {
	s := startFake(t, 200*time.Millisecond)

	err := s.Input(context.Background(), "hang;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestProcessSession_CloseIsIdempotent(t *testing.T) {
	s := startFake(t, 10*time.Second)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.Emit(context.Background(), 0), ErrSessionClosed))

	data, err := os.ReadFile(s.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "fake engine")
}

func TestStartProcess_Validation(t *testing.T) {
	_, err := StartProcess(ProcessConfig{LogPath: "x"})
	assert.Error(t, err)
	_, err = StartProcess(ProcessConfig{Binary: "madx"})
	assert.Error(t, err)
	_, err = StartProcess(ProcessConfig{
		Binary:  filepath.Join(t.TempDir(), "no-such-engine"),
		LogPath: filepath.Join(t.TempDir(), "log"),
	})
	assert.Error(t, err)
}
