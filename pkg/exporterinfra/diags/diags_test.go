// Copyright 2024, Pulumi Corporation.  All rights reserved.

package diags

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditDistance(t *testing.T) {
	t.Parallel()
	cases := []struct {
		a, b     string
		expected int
	}{
		{"FTMSCAN_TOKEN", "FTMSCAN_TOKEN", 0},
		{"FTMSCAN_TOKEN", "FTMSCAN_TOKN", 1},
		{"abc", "", 3},
		{"vpcId", "foo", 5},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, editDistance(c.a, c.b))
	}
}

func TestSortByEditDistance(t *testing.T) {
	t.Parallel()
	cases := []struct {
		words      []string
		comparedTo string
		expected   []string
	}{
		{[]string{}, "test", []string{}},
		{[]string{"test2", "test"}, "test", []string{"test", "test2"}},
		{[]string{"c", "b", "a"}, "test", []string{"a", "b", "c"}},
	}
	for _, c := range cases {
		assert.Equalf(t, c.expected, sortByEditDistance(c.words, c.comparedTo), "sortByEditDistance(%v, %v)", c.words, c.comparedTo)
	}
}

func TestHumanList(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", HumanList(nil).String())
	assert.Equal(t, "a", HumanList{"a"}.String())
	assert.Equal(t, "a and b", HumanList{"a", "b"}.String())
	assert.Equal(t, "a, b, c and d", HumanList{"a", "b", "c", "d"}.String())
}

func TestUnknownKeyMessage(t *testing.T) {
	t.Parallel()
	f := UnknownKeyFormatter{
		ParentLabel: "the secret bundle",
		Keys:        []string{"MAINNET_WEB3_PROVIDER", "FTMSCAN_TOKEN", "ARBISCAN_TOKEN"},
	}
	summary, detail := f.MessageWithDetail("FTMSCAN_TOKN", `"FTMSCAN_TOKN"`)
	assert.Equal(t, `"FTMSCAN_TOKN" does not exist in the secret bundle.`, summary)
	assert.Equal(t, "Existing keys are: FTMSCAN_TOKEN, ARBISCAN_TOKEN, MAINNET_WEB3_PROVIDER", detail)

	f.MaxElements = 1
	_, detail = f.MessageWithDetail("FTMSCAN_TOKN", "k")
	assert.Equal(t, "Existing keys are: FTMSCAN_TOKEN and 2 others", detail)

	empty := UnknownKeyFormatter{ParentLabel: "nothing"}
	_, detail = empty.MessageWithDetail("x", "x")
	assert.Equal(t, "nothing has no keys", detail)
}

func TestSeverityFilters(t *testing.T) {
	t.Parallel()
	var d Diagnostics
	d.Extend(Warning(nil, "careful", ""), Error(nil, "broken", "really broken"))
	d.Extend()

	require.Len(t, d, 2)
	assert.True(t, d.HasErrors())
	assert.Len(t, d.Errors(), 1)
	assert.Len(t, d.Warnings(), 1)
	assert.Equal(t, "careful", d.Warnings()[0].Detail)
	assert.Equal(t, hcl.DiagError, d.Errors()[0].Severity)
	assert.False(t, d.Warnings().HasErrors())
}

func TestHasDiagnostics(t *testing.T) {
	t.Parallel()

	_, ok := HasDiagnostics(nil)
	assert.False(t, ok)

	_, ok = HasDiagnostics(Diagnostics{})
	assert.False(t, ok)

	d := Diagnostics{Error(nil, "one", "")}
	got, ok := HasDiagnostics(d)
	assert.True(t, ok)
	assert.Len(t, got, 1)

	merr := multierror.Append(fmt.Errorf("plain"), d, Diagnostics{Error(nil, "two", "")})
	got, ok = HasDiagnostics(merr)
	assert.True(t, ok)
	assert.Len(t, got, 2)

	got, ok = HasDiagnostics(fmt.Errorf("wrapped: %w", d))
	assert.True(t, ok)
	assert.Len(t, got, 1)

	_, ok = HasDiagnostics(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestDiagnosticWriter(t *testing.T) {
	t.Parallel()

	source := []byte("tasks:\n  - network: optimism\n")
	rng := &hcl.Range{
		Filename: "matrix.yaml",
		Start:    hcl.Pos{Line: 2, Column: 5, Byte: 11},
		End:      hcl.Pos{Line: 2, Column: 22, Byte: 28},
	}
	d := Diagnostics{Error(rng, "unknown network", "optimism is not declared")}

	var buf bytes.Buffer
	require.NoError(t, d.Write(NewDiagnosticWriter(&buf, map[string][]byte{"matrix.yaml": source}, 0, false)))
	out := buf.String()
	assert.Contains(t, out, "Error: unknown network")
	assert.Contains(t, out, "on matrix.yaml line 2")
	assert.Contains(t, out, "network: optimism")
	assert.Contains(t, out, "optimism is not declared")
}
