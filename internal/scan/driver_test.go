package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/emittance.scan/internal/fsutil"
	"github.com/banshee-data/emittance.scan/internal/madx"
	"github.com/banshee-data/emittance.scan/internal/madx/madxtest"
	"github.com/banshee-data/emittance.scan/internal/monitoring"
)

const logPath = "/work/stdout.out"

func quietLogs(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	prev := monitoring.Logf
	monitoring.SetLogger(func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	})
	t.Cleanup(func() { monitoring.Logf = prev })
	return &lines
}

func newFake() (*madxtest.Session, *fsutil.MemoryFileSystem) {
	fs := fsutil.NewMemoryFileSystem()
	sess := madxtest.New(fs, logPath)
	sess.Emittances = func(g madxtest.Globals) madx.Emittances {
		k := g["k"]
		return madx.Emittances{Ex: 100 * (1 + k), Ey: 10 * (1 + k), Ez: 1}
	}
	return sess, fs
}

func TestDriver_ScanMiddleTwissFails(t *testing.T) {
	logs := quietLogs(t)
	sess, fs := newFake()
	sess.TwissErr = func(g madxtest.Globals) error {
		if g["k"] == 0.5 {
			return fmt.Errorf("twiss ring: %w", madx.ErrTwissFailed)
		}
		return nil
	}

	d := &Driver{Session: sess, FS: fs}
	cfg, err := NewScanConfig("k", 0.5, 0, 1, 3)
	require.NoError(t, err)

	table, err := d.Scan(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, "k", table.Variable)
	assert.Equal(t, []float64{0, 0.5, 1}, table.Values())

	assert.InDelta(t, 100e-6, table.Rows[0].Ex, 1e-15)
	assert.InDelta(t, 10e-6, table.Rows[0].Ey, 1e-15)
	assert.InDelta(t, 1e-6, table.Rows[0].Ez, 1e-15)
	assert.Equal(t, Converged, table.Rows[0].Outcome)

	mid := table.Rows[1]
	assert.True(t, math.IsNaN(mid.Ex))
	assert.True(t, math.IsNaN(mid.Ey))
	assert.True(t, math.IsNaN(mid.Ez))
	assert.Equal(t, NonConvergent, mid.Outcome)
	assert.Contains(t, mid.Detail, "twiss")

	assert.InDelta(t, 200e-6, table.Rows[2].Ex, 1e-15)
	assert.Equal(t, Converged, table.Rows[2].Outcome)

	assert.Equal(t, map[Outcome]int{Converged: 2, NonConvergent: 1}, table.Counts())

	var warnings int
	for _, l := range *logs {
		if strings.HasPrefix(l, "WARNING:") {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestDriver_ScanCommandSequence(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	sess.Globals["deltap"] = 0.002

	d := &Driver{Session: sess, FS: fs, Twiss: madx.TwissOptions{Sequence: "ring"}}
	cfg, err := NewScanConfig("k", 0, 0.25, 0.25, 1)
	require.NoError(t, err)

	_, err = d.Scan(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"set k=0.25",
		"twiss ring",
		"survey",
		"value deltap",
		"emit 0.002",
		"emit 0.002",
	}, sess.Calls())
}

func TestDriver_ScanLinkedGlobals(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	d := &Driver{Session: sess, FS: fs, Linked: map[string][]string{
		"k1_bqf1": {"k1_bqf2", "k1_bqf3", "k1_bqf4"},
	}}
	cfg, err := Around("k1_bqf1", 5.18, 0.05, 2)
	require.NoError(t, err)

	_, err = d.Scan(context.Background(), cfg)
	require.NoError(t, err)
	for _, n := range []string{"k1_bqf1", "k1_bqf2", "k1_bqf3", "k1_bqf4"} {
		assert.Equal(t, cfg.ScanEnd, sess.Globals[n], n)
	}
	assert.Equal(t, "set k1_bqf2="+madx.FormatValue(cfg.ScanStart), sess.Calls()[1])
}

func TestDriver_ScanUnclosedRing(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	sess.Closure = func(g madxtest.Globals) (float64, float64) {
		if g["k"] > 0 {
			return 0, 0.5
		}
		return 1e-6, 1e-6
	}

	d := &Driver{Session: sess, FS: fs}
	cfg, err := NewScanConfig("k", 0, -1, 1, 2)
	require.NoError(t, err)

	table, err := d.Scan(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, Converged, table.Rows[0].Outcome)
	assert.Equal(t, Unclosed, table.Rows[1].Outcome)
	assert.True(t, math.IsNaN(table.Rows[1].Ex))
	assert.Contains(t, table.Rows[1].Detail, "tolerance in z")
}

func TestDriver_ScanToleranceOverride(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	sess.Closure = func(madxtest.Globals) (float64, float64) { return 5e-3, 0 }

	cfg, err := NewScanConfig("k", 0, 0, 0, 1)
	require.NoError(t, err)

	table, err := (&Driver{Session: sess, FS: fs}).Scan(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, Unclosed, table.Rows[0].Outcome)

	table, err = (&Driver{Session: sess, FS: fs, Tolerance: 1e-2}).Scan(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, Converged, table.Rows[0].Outcome)
}

func TestDriver_ScanIgnoresEarlierPointReports(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	sess.EmitLine = func(g madxtest.Globals) string {
		if g["k"] == 1 {
			return " emit produced no report"
		}
		return madxtest.EmittanceLine(madx.Emittances{Ex: 111, Ey: 11, Ez: 1})
	}

	cfg, err := NewScanConfig("k", 0, 0, 1, 2)
	require.NoError(t, err)
	table, err := (&Driver{Session: sess, FS: fs}).Scan(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, madx.ErrParseEmittance)
	assert.ErrorIs(t, err, madx.ErrNoMatchFound)
	require.NotNil(t, table)
	require.Len(t, table.Rows, 1)
	assert.InDelta(t, 111e-6, table.Rows[0].Ex, 1e-15)

	// The first point's report is still in the shared log.
	data, err := fs.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), madx.EmittancePrefix))
}

func TestDriver_ScanGridSilentEmitIsFault(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	sess.EmitLine = func(g madxtest.Globals) string {
		if g["k"] == 1 && g["j"] == 1 {
			return " emit produced no report"
		}
		return madxtest.EmittanceLine(madx.Emittances{Ex: 111, Ey: 11, Ez: 1})
	}

	rows, err := NewScanConfig("k", 0, 0, 1, 2)
	require.NoError(t, err)
	cols, err := NewScanConfig("j", 0, 0, 1, 2)
	require.NoError(t, err)
	table, err := (&Driver{Session: sess, FS: fs}).ScanGrid(context.Background(), rows, cols)
	require.NoError(t, err)
	assert.Equal(t, Converged, table.Cells[1][0].Outcome)
	assert.Equal(t, Fault, table.Cells[1][1].Outcome)
	assert.True(t, math.IsNaN(table.Cells[1][1].Ex))
}

func TestDriver_ScanMissingLogPropagates(t *testing.T) {
	quietLogs(t)
	sess, _ := newFake()
	// Parser reads from a different filesystem than the session writes to.
	d := &Driver{Session: sess, FS: fsutil.NewMemoryFileSystem()}
	cfg, err := NewScanConfig("k", 0, 0, 0, 1)
	require.NoError(t, err)

	_, err = d.Scan(context.Background(), cfg)
	assert.ErrorIs(t, err, madx.ErrParseEmittance)
}

func TestDriver_ScanLastReportWins(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	require.NoError(t, fs.WriteFile(logPath, []byte(madxtest.EmittanceLine(madx.Emittances{Ex: 9, Ey: 9, Ez: 9})+"\n"), 0o644))

	cfg, err := NewScanConfig("k", 0, 1, 1, 1)
	require.NoError(t, err)
	table, err := (&Driver{Session: sess, FS: fs}).Scan(context.Background(), cfg)
	require.NoError(t, err)
	assert.InDelta(t, 200e-6, table.Rows[0].Ex, 1e-15)
}

func TestDriver_ScanCancelled(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	ctx, cancel := context.WithCancel(context.Background())
	sess.TwissErr = func(g madxtest.Globals) error {
		if g["k"] > 0 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	cfg, err := NewScanConfig("k", 0, 0, 1, 3)
	require.NoError(t, err)
	table, err := (&Driver{Session: sess, FS: fs}).Scan(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, table.Rows, 1)
}

func TestDriver_ScanValidation(t *testing.T) {
	quietLogs(t)
	_, err := (&Driver{}).Scan(context.Background(), ScanConfig{VariableName: "k", NPoints: 1})
	assert.Error(t, err)

	sess, fs := newFake()
	_, err = (&Driver{Session: sess, FS: fs}).Scan(context.Background(), ScanConfig{VariableName: "k"})
	assert.Error(t, err)
	assert.Empty(t, sess.Calls())
}

func TestDriver_ScanGrid(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	sess.Emittances = func(g madxtest.Globals) madx.Emittances {
		return madx.Emittances{Ex: g["kd"]*10 + g["kf"], Ey: 1, Ez: 1}
	}
	sess.TwissErr = func(g madxtest.Globals) error {
		if g["kd"] == 1 && g["kf"] == 2 {
			return madx.ErrTwissFailed
		}
		return nil
	}
	sess.EmitLine = func(g madxtest.Globals) string {
		if g["kd"] == 2 && g["kf"] == 1 {
			return madx.EmittancePrefix + " garbled"
		}
		return madxtest.EmittanceLine(madx.Emittances{Ex: g["kd"]*10 + g["kf"], Ey: 1, Ez: 1})
	}

	rows, err := NewScanConfig("kd", 1, 1, 2, 2)
	require.NoError(t, err)
	cols, err := NewScanConfig("kf", 2, 1, 3, 3)
	require.NoError(t, err)

	table, err := (&Driver{Session: sess, FS: fs}).ScanGrid(context.Background(), rows, cols)
	require.NoError(t, err)
	assert.Equal(t, "kd", table.RowVariable)
	assert.Equal(t, "kf", table.ColVariable)
	assert.Equal(t, []float64{1, 2}, table.RowValues)
	assert.Equal(t, []float64{1, 2, 3}, table.ColValues)
	assert.Equal(t, 6, table.Len())

	ex, err := table.Column("ex")
	require.NoError(t, err)
	assert.InDelta(t, 11e-6, ex[0][0], 1e-15)
	assert.True(t, math.IsNaN(ex[0][1]))
	assert.InDelta(t, 13e-6, ex[0][2], 1e-15)
	assert.True(t, math.IsNaN(ex[1][0]))
	assert.InDelta(t, 22e-6, ex[1][1], 1e-15)

	assert.Equal(t, NonConvergent, table.Cells[0][1].Outcome)
	assert.Equal(t, Fault, table.Cells[1][0].Outcome)
	assert.Equal(t, map[Outcome]int{Converged: 4, NonConvergent: 1, Fault: 1}, table.Counts())

	// Row variable is written before the column variable at every point.
	calls := sess.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "set kd=1", calls[0])
	assert.Equal(t, "set kf=1", calls[1])
}

func TestDriver_ScanGridRejectsSameVariable(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	c, err := NewScanConfig("k", 0, 0, 1, 2)
	require.NoError(t, err)
	_, err = (&Driver{Session: sess, FS: fs}).ScanGrid(context.Background(), c, c)
	assert.Error(t, err)
}

func TestDriver_ScanGridCancelled(t *testing.T) {
	quietLogs(t)
	sess, fs := newFake()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c1, _ := NewScanConfig("a", 0, 0, 1, 2)
	c2, _ := NewScanConfig("b", 0, 0, 1, 2)
	table, err := (&Driver{Session: sess, FS: fs}).ScanGrid(ctx, c1, c2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, table.Len())
}

func TestDriver_OpenerFreshSessionPerPoint(t *testing.T) {
	quietLogs(t)
	fs := fsutil.NewMemoryFileSystem()
	var opened []*madxtest.Session
	opener := OpenerFunc(func(ctx context.Context) (madx.Session, error) {
		require.NoError(t, fs.Remove(logPath))
		s := madxtest.New(fs, logPath)
		opened = append(opened, s)
		return s, nil
	})

	c1, _ := NewScanConfig("a", 0, 0, 1, 2)
	c2, _ := NewScanConfig("b", 0, 0, 1, 2)
	table, err := (&Driver{Opener: opener, FS: fs}).ScanGrid(context.Background(), c1, c2)
	require.NoError(t, err)
	assert.Equal(t, 4, table.Len())
	require.Len(t, opened, 4)
	for _, s := range opened {
		assert.True(t, s.Closed())
	}

	data, err := fs.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), madx.EmittancePrefix))
}

func TestDriver_OpenerFailureIsFatal(t *testing.T) {
	quietLogs(t)
	boom := errors.New("engine binary not found")
	opener := OpenerFunc(func(ctx context.Context) (madx.Session, error) { return nil, boom })

	c1, _ := NewScanConfig("a", 0, 0, 1, 2)
	c2, _ := NewScanConfig("b", 0, 0, 1, 2)
	d := &Driver{Opener: opener, FS: fsutil.NewMemoryFileSystem()}

	_, err := d.ScanGrid(context.Background(), c1, c2)
	assert.ErrorIs(t, err, boom)

	_, err = d.Scan(context.Background(), c1)
	assert.ErrorIs(t, err, boom)
}
