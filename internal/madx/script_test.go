package madx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidName(t *testing.T) {
	for _, ok := range []string{"k1_qd1", "deltap", "K1.BQF1", "_x"} {
		assert.True(t, ValidName(ok), ok)
	}
	for _, bad := range []string{"", "1k", "k1; exit", "a b", `x"`} {
		assert.False(t, ValidName(bad), bad)
	}
}

func TestAssignCommand(t *testing.T) {
	cmd, err := AssignCommand("k1_qd1", -3.4205)
	require.NoError(t, err)
	assert.Equal(t, "k1_qd1 = -3.4205;", cmd)

	_, err = AssignCommand("k1; stop", 1)
	assert.Error(t, err)
}

func TestTwissCommand(t *testing.T) {
	testCases := []struct {
		name string
		opts TwissOptions
		file string
		want string
	}{
		{"bare", TwissOptions{}, "", "twiss;"},
		{"sequence and table", TwissOptions{Sequence: "ring", Table: "init_twiss"}, "", "twiss, sequence=ring, table=init_twiss;"},
		{"file", TwissOptions{Sequence: "ring"}, "/tmp/t.tfs", `twiss, sequence=ring, file="/tmp/t.tfs";`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TwissCommand(tc.opts, tc.file)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := TwissCommand(TwissOptions{Sequence: "ring;stop"}, "")
	assert.Error(t, err)
}

func TestOtherCommands(t *testing.T) {
	assert.Equal(t, `call, file="lattice/elettra.madx";`, CallCommand("lattice/elettra.madx"))
	assert.Equal(t, `survey, file="s.tfs";`, SurveyCommand("s.tfs"))
	assert.Equal(t, "emit, deltap=0;", EmitCommand(0))
	assert.Equal(t, "emit, deltap=0.001;", EmitCommand(1e-3))

	use, err := UseCommand("ring")
	require.NoError(t, err)
	assert.Equal(t, "use, sequence=ring;", use)

	val, err := ValueCommand("deltap")
	require.NoError(t, err)
	assert.Equal(t, "value, deltap;", val)
}

func TestParseValueOutput(t *testing.T) {
	lines := []string{"X: ==>", "deltap               =                 0.00125 ;", "done"}
	v, err := parseValueOutput("DELTAP", lines)
	require.NoError(t, err)
	assert.InDelta(t, 0.00125, v, 1e-15)

	_, err = parseValueOutput("k1", lines)
	assert.Error(t, err)
}
