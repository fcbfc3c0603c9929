// Copyright 2024, Pulumi Corporation.  All rights reserved.

// Package matrix describes which exporter tasks run where: the networks, the export modes each
// network runs in, and the hand-assigned schedule of every task.
package matrix

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ettle/strcase"
	"github.com/hashicorp/hcl/v2"
	"github.com/pkg/errors"
	"github.com/robfig/cron"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/diags"
)

// Environment is a deployment environment.
type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

// ParseEnvironment accepts the environment names used in stack config.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod", "":
		return Production, nil
	case "staging", "stage":
		return Staging, nil
	default:
		return "", fmt.Errorf("unknown environment %q; expected production or staging", s)
	}
}

// Mode is the export mode of a task. The empty mode means the exporter decides.
type Mode string

const (
	NoMode       Mode = ""
	Endorsed     Mode = "endorsed"
	Experimental Mode = "experimental"
)

// ModeFor maps the endorsed flag onto an export mode.
func ModeFor(endorsed bool) Mode {
	if endorsed {
		return Endorsed
	}
	return Experimental
}

func (m Mode) valid() bool {
	return m == NoMode || m == Endorsed || m == Experimental
}

const (
	DefaultImageTag = "apy-latest"
	DefaultCommand  = "s3"
	DefaultCPU      = 4096
	DefaultMemory   = 10240

	// Web3ProviderVar is the container variable holding the node RPC url.
	Web3ProviderVar = "WEB3_PROVIDER"
)

// Network is a chain the exporter can run against.
type Network struct {
	Name     string `yaml:"name"`
	Explorer string `yaml:"explorer"`
	// TokenVar is the container variable carrying the explorer API token, e.g. ETHERSCAN_TOKEN.
	TokenVar string `yaml:"tokenVar"`
	// Secrets maps container variables onto fields of the secret bundle.
	Secrets map[string]string `yaml:"secrets,omitempty"`
}

// SecretFields returns the container variable to bundle field mapping for the network. Networks
// without an explicit mapping get fields prefixed with the network name in SNAKE case.
func (n Network) SecretFields() map[string]string {
	if len(n.Secrets) > 0 {
		return n.Secrets
	}
	prefix := strcase.ToSNAKE(n.Name)
	out := map[string]string{
		Web3ProviderVar: prefix + "_" + Web3ProviderVar,
	}
	if n.TokenVar != "" {
		out[n.TokenVar] = prefix + "_" + n.TokenVar
	}
	return out
}

// Entry is one scheduled task: a network in one export mode.
type Entry struct {
	Network  string   `yaml:"network"`
	Mode     Mode     `yaml:"mode,omitempty"`
	Schedule Schedule `yaml:"schedule"`
	ImageTag string   `yaml:"imageTag,omitempty"`
	Command  string   `yaml:"command,omitempty"`
	CPU      int      `yaml:"cpu,omitempty"`
	Memory   int      `yaml:"memory,omitempty"`

	// Range locates the entry in its source file, if it came from one.
	Range *hcl.Range `yaml:"-"`
}

// Key identifies the entry within a matrix.
func (e Entry) Key() string {
	if e.Mode == NoMode {
		return e.Network
	}
	return e.Network + "/" + string(e.Mode)
}

// WithDefaults fills unset fields.
func (e Entry) WithDefaults() Entry {
	if e.ImageTag == "" {
		e.ImageTag = DefaultImageTag
	}
	if e.Command == "" {
		e.Command = DefaultCommand
	}
	if e.CPU == 0 {
		e.CPU = DefaultCPU
	}
	if e.Memory == 0 {
		e.Memory = DefaultMemory
	}
	return e
}

// Schedule holds the fields of an EventBridge cron expression.
type Schedule struct {
	Minute     string `yaml:"minute,omitempty"`
	Hour       string `yaml:"hour,omitempty"`
	DayOfMonth string `yaml:"dayOfMonth,omitempty"`
	Month      string `yaml:"month,omitempty"`
	DayOfWeek  string `yaml:"dayOfWeek,omitempty"`
	Year       string `yaml:"year,omitempty"`
}

// normalized fills unset fields the way EventBridge expects: exactly one of day-of-month and
// day-of-week is "?".
func (s Schedule) normalized() Schedule {
	or := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	s.Minute = or(s.Minute, "0")
	s.Hour = or(s.Hour, "*")
	s.Month = or(s.Month, "*")
	s.Year = or(s.Year, "*")
	switch {
	case s.DayOfWeek == "" && s.DayOfMonth == "":
		s.DayOfMonth, s.DayOfWeek = "*", "?"
	case s.DayOfWeek == "":
		s.DayOfWeek = "?"
	case s.DayOfMonth == "":
		s.DayOfMonth = "?"
	}
	return s
}

// Expression renders the schedule as an EventBridge cron expression.
func (s Schedule) Expression() string {
	n := s.normalized()
	return fmt.Sprintf("cron(%s %s %s %s %s %s)", n.Minute, n.Hour, n.DayOfMonth, n.Month, n.DayOfWeek, n.Year)
}

// Calendar is the day-of-month, month, day-of-week and year part of the schedule.
func (s Schedule) Calendar() string {
	n := s.normalized()
	return strings.Join([]string{n.DayOfMonth, n.Month, n.DayOfWeek, n.Year}, " ")
}

// starBit marks a field written as a bare "*" in a parsed cron.SpecSchedule.
const starBit = 1 << 63

// Times expands the minute and hour fields into bit sets: bit n of minutes is set when the
// schedule fires at minute n, and likewise for hours.
func (s Schedule) Times() (minutes, hours uint64, err error) {
	n := s.normalized()
	parsed, err := cron.ParseStandard(n.Minute + " " + n.Hour + " * * *")
	if err != nil {
		return 0, 0, errors.Wrapf(err, "parsing minute %q and hour %q", n.Minute, n.Hour)
	}
	spec, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return 0, 0, errors.Errorf("minute %q and hour %q are not a cron field pair", n.Minute, n.Hour)
	}
	return spec.Minute &^ starBit, spec.Hour &^ starBit, nil
}

var cronField = regexp.MustCompile(`^[0-9A-Z*?/,#-]+$`)

func (s Schedule) check() []string {
	n := s.normalized()
	var problems []string
	for _, f := range []struct{ name, value string }{
		{"minute", n.Minute}, {"hour", n.Hour}, {"dayOfMonth", n.DayOfMonth},
		{"month", n.Month}, {"dayOfWeek", n.DayOfWeek}, {"year", n.Year},
	} {
		if !cronField.MatchString(f.value) {
			problems = append(problems, fmt.Sprintf("%s field %q is not a cron field", f.name, f.value))
		}
	}
	if n.DayOfMonth != "?" && n.DayOfWeek != "?" {
		problems = append(problems, "one of dayOfMonth and dayOfWeek must be \"?\"")
	}
	return problems
}

// Matrix is the full set of tasks for one environment.
type Matrix struct {
	Networks []Network `yaml:"networks"`
	Tasks    []Entry   `yaml:"tasks"`
	// SecretTemplate lists the fields of the secret bundle. When empty it is derived from every
	// field the networks and shared secrets reference.
	SecretTemplate []string `yaml:"secretTemplate,omitempty"`
	// SharedSecrets are injected into every task, container variable to bundle field.
	SharedSecrets map[string]string `yaml:"sharedSecrets,omitempty"`
	// Sentry sets SENTRY_ENVIRONMENT on every task.
	Sentry bool `yaml:"sentry,omitempty"`

	// Filename is the file the matrix was loaded from, if any.
	Filename string `yaml:"-"`
	// Source is the text of that file.
	Source []byte `yaml:"-"`
}

// Network looks up a network by name.
func (m *Matrix) Network(name string) (Network, bool) {
	for _, n := range m.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return Network{}, false
}

// NetworkNames lists the declared networks in declaration order.
func (m *Matrix) NetworkNames() []string {
	names := make([]string, len(m.Networks))
	for i, n := range m.Networks {
		names[i] = n.Name
	}
	return names
}

// Template returns the secret bundle fields, sorted.
func (m *Matrix) Template() []string {
	set := map[string]struct{}{}
	if len(m.SecretTemplate) > 0 {
		for _, f := range m.SecretTemplate {
			set[f] = struct{}{}
		}
	} else {
		for _, n := range m.Networks {
			for _, f := range n.SecretFields() {
				set[f] = struct{}{}
			}
		}
		for _, f := range m.SharedSecrets {
			set[f] = struct{}{}
		}
	}
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (m *Matrix) rangeOf(e Entry) *hcl.Range {
	if e.Range != nil {
		return e.Range
	}
	if m.Filename != "" {
		return &hcl.Range{Filename: m.Filename}
	}
	return nil
}

// Validate checks the matrix on its own terms: known networks, known modes, well formed
// schedules and no entry declared twice.
func (m *Matrix) Validate() diags.Diagnostics {
	var d diags.Diagnostics

	if len(m.Tasks) == 0 {
		d.Extend(diags.Error(m.rangeOf(Entry{}), "the task matrix is empty", ""))
	}

	seenNetworks := map[string]bool{}
	for _, n := range m.Networks {
		switch {
		case n.Name == "":
			d.Extend(diags.Error(m.rangeOf(Entry{}), "a network has no name", ""))
		case seenNetworks[n.Name]:
			d.Extend(diags.Error(m.rangeOf(Entry{}), fmt.Sprintf("network %q is declared twice", n.Name), ""))
		}
		seenNetworks[n.Name] = true
		if n.Explorer == "" {
			d.Extend(diags.Error(m.rangeOf(Entry{}), fmt.Sprintf("network %q has no explorer url", n.Name), ""))
		}
		if _, ok := n.SecretFields()[Web3ProviderVar]; !ok {
			d.Extend(diags.Error(m.rangeOf(Entry{}),
				fmt.Sprintf("network %q does not map %s", n.Name, Web3ProviderVar), ""))
		}
	}

	seen := map[string]bool{}
	for _, e := range m.Tasks {
		rng := m.rangeOf(e)
		if _, ok := m.Network(e.Network); !ok {
			f := diags.UnknownKeyFormatter{ParentLabel: "the declared networks", Keys: m.NetworkNames()}
			summary, detail := f.MessageWithDetail(e.Network, fmt.Sprintf("Network %q", e.Network))
			d.Extend(diags.Error(rng, summary, detail))
		}
		if !e.Mode.valid() {
			d.Extend(diags.Error(rng, fmt.Sprintf("unknown export mode %q", e.Mode),
				fmt.Sprintf("export mode must be %s", diags.HumanList{string(Endorsed), string(Experimental), "empty"})))
		}
		if seen[e.Key()] {
			d.Extend(diags.Error(rng, fmt.Sprintf("task %s is declared twice", e.Key()), ""))
		}
		seen[e.Key()] = true
		for _, p := range e.Schedule.check() {
			d.Extend(diags.Error(rng, fmt.Sprintf("invalid schedule for %s", e.Key()), p))
		}
		if e.CPU < 0 || e.Memory < 0 {
			d.Extend(diags.Error(rng, fmt.Sprintf("task %s has negative resource limits", e.Key()), ""))
		}
	}
	return d
}
