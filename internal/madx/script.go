package madx

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ValidName reports whether name is usable as a MAD-X variable or sequence
// name. Names are spliced into script text, so anything else is rejected.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// FormatValue renders a float the way the engine parses it.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Quote renders s as a MAD-X string literal.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `'`) + `"`
}

// AssignCommand returns "name = value;".
func AssignCommand(name string, value float64) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid global name %q", name)
	}
	return fmt.Sprintf("%s = %s;", name, FormatValue(value)), nil
}

// CallCommand returns `call, file="path";`.
func CallCommand(path string) string {
	return fmt.Sprintf("call, file=%s;", Quote(path))
}

// UseCommand returns "use, sequence=name;".
func UseCommand(sequence string) (string, error) {
	if !ValidName(sequence) {
		return "", fmt.Errorf("invalid sequence name %q", sequence)
	}
	return fmt.Sprintf("use, sequence=%s;", sequence), nil
}

// TwissCommand builds the twiss command writing its table to file.
func TwissCommand(opts TwissOptions, file string) (string, error) {
	var b strings.Builder
	b.WriteString("twiss")
	if opts.Sequence != "" {
		if !ValidName(opts.Sequence) {
			return "", fmt.Errorf("invalid sequence name %q", opts.Sequence)
		}
		fmt.Fprintf(&b, ", sequence=%s", opts.Sequence)
	}
	if opts.Table != "" {
		if !ValidName(opts.Table) {
			return "", fmt.Errorf("invalid table name %q", opts.Table)
		}
		fmt.Fprintf(&b, ", table=%s", opts.Table)
	}
	if file != "" {
		fmt.Fprintf(&b, ", file=%s", Quote(file))
	}
	b.WriteString(";")
	return b.String(), nil
}

// SurveyCommand builds the survey command writing its table to file.
func SurveyCommand(file string) string {
	return fmt.Sprintf("survey, file=%s;", Quote(file))
}

// EmitCommand returns "emit, deltap=value;".
func EmitCommand(deltap float64) string {
	return fmt.Sprintf("emit, deltap=%s;", FormatValue(deltap))
}

// ValueCommand returns "value, name;", which prints "name = v ;".
func ValueCommand(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid global name %q", name)
	}
	return fmt.Sprintf("value, %s;", name), nil
}

// parseValueOutput finds the "name = v ;" line printed by ValueCommand.
func parseValueOutput(name string, lines []string) (float64, error) {
	re := regexp.MustCompile(`(?i)^\s*` + regexp.QuoteMeta(name) + `\s*=\s*([^\s;]+)\s*;?\s*$`)
	for _, l := range lines {
		if m := re.FindStringSubmatch(l); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, fmt.Errorf("global %s: %w", name, err)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("global %s: no value in engine output", name)
}
