package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence in expected JSON matches any actual value
const Presence = "<<PRESENCE>>"

// TestingT is the part of testing.T the asserters report through
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// OutputOptions tune text and JSON comparisons of command output
type OutputOptions struct {
	TrimSpace                bool `default:"true"`
	IgnoreTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines         bool `default:"false"`
	// IgnoreExtraKeys drops object keys the expected JSON does not mention
	IgnoreExtraKeys bool `default:"true"`
	EnableColors    bool `default:"false"`
}

type OutputOption func(*OutputOptions)

func WithIgnoreEmptyLines(ignore bool) OutputOption {
	return func(o *OutputOptions) { o.IgnoreEmptyLines = ignore }
}

func WithIgnoreExtraKeys(ignore bool) OutputOption {
	return func(o *OutputOptions) { o.IgnoreExtraKeys = ignore }
}

func WithEnableColors(enable bool) OutputOption {
	return func(o *OutputOptions) { o.EnableColors = enable }
}

func outputOptions(opts []OutputOption) OutputOptions {
	o := OutputOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AssertText fails t with a unified diff when actual differs from expected
func AssertText(t TestingT, actual, expected string, opts ...OutputOption) bool {
	t.Helper()
	if diff := TextDiff(actual, expected, opts...); diff != "" {
		t.Errorf("Text assertion failed - unified diff:\n%s", diff)
		return false
	}
	return true
}

// TextDiff returns the unified diff between the normalized texts, or "" when equal
func TextDiff(actual, expected string, opts ...OutputOption) string {
	o := outputOptions(opts)
	a, e := normalizeText(actual, o), normalizeText(expected, o)
	if a == e {
		return ""
	}
	edits := myers.ComputeEdits("", e, a)
	diff := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	if o.EnableColors {
		diff = colorize(diff)
	}
	return diff
}

func normalizeText(text string, o OutputOptions) string {
	if o.TrimSpace {
		text = strings.TrimSpace(text)
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if o.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t\r")
		}
		if o.IgnoreEmptyLines && line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func colorize(diff string) string {
	red, green, cyan := color.New(color.FgRed), color.New(color.FgGreen), color.New(color.FgCyan)
	for _, c := range []*color.Color{red, green, cyan} {
		c.EnableColor()
	}

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

// AssertJSON fails t with a structural diff when actual JSON differs from expected
func AssertJSON(t TestingT, actual, expected string, opts ...OutputOption) bool {
	t.Helper()
	if diff := JSONDiff(actual, expected, opts...); diff != "" {
		t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// JSONDiff compares two JSON documents, or returns "" when they match
func JSONDiff(actual, expected string, opts ...OutputOption) string {
	o := outputOptions(opts)

	var exp, act interface{}
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	exp = map[string]interface{}{"root": exp}
	act = map[string]interface{}{"root": act}

	fillPresence(exp, act)
	if o.IgnoreExtraKeys {
		pruneExtraKeys(act, exp)
	}

	expBytes, _ := json.Marshal(exp)
	actBytes, _ := json.Marshal(act)
	diff, err := gojsondiff.New().Compare(expBytes, actBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(exp, formatter.AsciiFormatterConfig{ShowArrayIndex: true, Coloring: o.EnableColors})
	out, _ := f.Format(diff)
	return out
}

// fillPresence replaces Presence placeholders with the actual value at the same position
func fillPresence(expected, actual interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == Presence {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			fillPresence(v, act[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				fillPresence(exp[i], act[i])
			}
		}
	}
}

func pruneExtraKeys(actual, expected interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range act {
			if _, keep := exp[k]; !keep {
				delete(act, k)
			}
		}
		for k := range exp {
			pruneExtraKeys(act[k], exp[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}
