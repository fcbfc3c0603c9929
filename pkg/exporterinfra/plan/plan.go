// Copyright 2024, Pulumi Corporation.  All rights reserved.

// Package plan turns a task matrix into concrete task descriptions: names, container
// environment, secret references, volumes and schedules. Nothing here talks to a cloud provider,
// so the whole matrix can be inspected and validated before any resource is declared.
package plan

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/hashicorp/hcl/v2"
	"github.com/iancoleman/strcase"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/diags"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/matrix"
)

const (
	// ContainerName is the name of the exporter container in every task definition.
	ContainerName = "s3-apy"
	// LogStreamRoot prefixes every log stream.
	LogStreamRoot = "apy"
	// DataRoot is where persistent volumes live, on the host or on the file system.
	DataRoot = "/data"
)

// Environment variable names handed to the exporter.
const (
	EnvBucket            = "AWS_BUCKET"
	EnvExplorer          = "EXPLORER"
	EnvNetwork           = "NETWORK"
	EnvExportMode        = "EXPORT_MODE"
	EnvSentryEnvironment = "SENTRY_ENVIRONMENT"
)

// cacheVolume describes one persistent directory of the exporter. The host path is derived from
// the network name and Suffix.
type cacheVolume struct {
	Name          string
	Suffix        string
	ContainerPath string
}

var cacheVolumes = []cacheVolume{
	{Name: "cache", Suffix: "", ContainerPath: "/app/yearn-exporter/cache"},
	{Name: "brownie", Suffix: "-brownie", ContainerPath: "/root/.brownie"},
	{Name: "solcx", Suffix: "-solcx", ContainerPath: "/root/.solcx"},
	{Name: "vvm", Suffix: "-vvm", ContainerPath: "/root/.vvm"},
}

type EnvVar struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// SecretRef injects one field of the secret bundle as a container variable.
type SecretRef struct {
	Name  string `yaml:"name" json:"name"`
	Field string `yaml:"field" json:"field"`
}

// Volume is a named persistent directory. Path is a host path under EC2 capacity and an access
// point root under Fargate.
type Volume struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

type MountPoint struct {
	SourceVolume  string `yaml:"sourceVolume" json:"sourceVolume"`
	ContainerPath string `yaml:"containerPath" json:"containerPath"`
	ReadOnly      bool   `yaml:"readOnly" json:"readOnly"`
}

// TaskPlan is everything needed to declare one scheduled task.
type TaskPlan struct {
	Key      string      `yaml:"key"`
	Network  string      `yaml:"network"`
	Mode     matrix.Mode `yaml:"mode,omitempty"`
	Explorer string      `yaml:"explorer"`

	// ResourceName prefixes the logical names of the task's resources, e.g. MainnetEndorsed.
	ResourceName    string `yaml:"resourceName"`
	Family          string `yaml:"family"`
	RuleName        string `yaml:"ruleName"`
	LogStreamPrefix string `yaml:"logStreamPrefix"`

	ContainerName string       `yaml:"containerName"`
	ImageTag      string       `yaml:"imageTag"`
	Command       []string     `yaml:"command"`
	CPU           int          `yaml:"cpu"`
	Memory        int          `yaml:"memory"`
	Environment   []EnvVar     `yaml:"environment"`
	Secrets       []SecretRef  `yaml:"secrets"`
	Volumes       []Volume     `yaml:"volumes"`
	MountPoints   []MountPoint `yaml:"mountPoints"`

	Schedule           matrix.Schedule `yaml:"-"`
	ScheduleExpression string          `yaml:"schedule"`

	Range *hcl.Range `yaml:"-"`
}

// Options carries the environment-wide values that end up in every task.
type Options struct {
	Environment matrix.Environment
	Bucket      string
}

// Build derives one TaskPlan per matrix entry and validates the result. No plans are returned
// when the matrix itself is invalid.
func Build(m *matrix.Matrix, opts Options) ([]TaskPlan, diags.Diagnostics) {
	d := m.Validate()
	if d.HasErrors() {
		return nil, d
	}

	plans := make([]TaskPlan, 0, len(m.Tasks))
	for _, e := range m.Tasks {
		p, pdiags := buildOne(m, e.WithDefaults(), opts)
		d.Extend(pdiags...)
		if !pdiags.HasErrors() {
			plans = append(plans, p)
		}
	}
	if d.HasErrors() {
		return nil, d
	}
	d.Extend(Validate(m.Template(), plans)...)
	return plans, d
}

func buildOne(m *matrix.Matrix, e matrix.Entry, opts Options) (TaskPlan, diags.Diagnostics) {
	var d diags.Diagnostics
	network, _ := m.Network(e.Network)

	argv, err := shlex.Split(e.Command)
	if err != nil || len(argv) == 0 {
		detail := "the command is empty"
		if err != nil {
			detail = err.Error()
		}
		d.Extend(diags.Error(e.Range, fmt.Sprintf("invalid command for %s", e.Key()), detail))
		return TaskPlan{}, d
	}

	nameParts := []string{"apy", string(opts.Environment), e.Network}
	streamParts := []string{LogStreamRoot, e.Network}
	if e.Mode != matrix.NoMode {
		nameParts = append(nameParts, string(e.Mode))
		streamParts = append(streamParts, string(e.Mode))
	}
	family := strings.Join(nameParts, "-")

	p := TaskPlan{
		Key:                e.Key(),
		Network:            e.Network,
		Mode:               e.Mode,
		Explorer:           network.Explorer,
		ResourceName:       strcase.ToCamel(strings.ReplaceAll(e.Key(), "/", "-")),
		Family:             family,
		RuleName:           family,
		LogStreamPrefix:    strings.Join(streamParts, "/"),
		ContainerName:      ContainerName,
		ImageTag:           e.ImageTag,
		Command:            argv,
		CPU:                e.CPU,
		Memory:             e.Memory,
		Schedule:           e.Schedule,
		ScheduleExpression: e.Schedule.Expression(),
		Range:              e.Range,
	}

	p.Environment = []EnvVar{
		{Name: EnvBucket, Value: opts.Bucket},
		{Name: EnvExplorer, Value: network.Explorer},
		{Name: EnvNetwork, Value: e.Network},
	}
	if e.Mode != matrix.NoMode {
		p.Environment = append(p.Environment, EnvVar{Name: EnvExportMode, Value: string(e.Mode)})
	}
	if m.Sentry {
		p.Environment = append(p.Environment, EnvVar{Name: EnvSentryEnvironment, Value: string(opts.Environment)})
	}
	sort.Slice(p.Environment, func(i, j int) bool { return p.Environment[i].Name < p.Environment[j].Name })

	secrets := map[string]string{}
	for name, field := range m.SharedSecrets {
		secrets[name] = field
	}
	for name, field := range network.SecretFields() {
		secrets[name] = field
	}
	for name, field := range secrets {
		p.Secrets = append(p.Secrets, SecretRef{Name: name, Field: field})
	}
	sort.Slice(p.Secrets, func(i, j int) bool { return p.Secrets[i].Name < p.Secrets[j].Name })

	base := path.Join(DataRoot, strings.ToLower(e.Network))
	for _, v := range cacheVolumes {
		p.Volumes = append(p.Volumes, Volume{Name: v.Name, Path: base + v.Suffix})
		p.MountPoints = append(p.MountPoints, MountPoint{SourceVolume: v.Name, ContainerPath: v.ContainerPath})
	}

	return p, d
}

// VolumePaths lists every distinct volume path used by plans, sorted.
func VolumePaths(plans []TaskPlan) []string {
	set := map[string]struct{}{}
	for _, p := range plans {
		for _, v := range p.Volumes {
			set[v.Path] = struct{}{}
		}
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// EnvValue returns the value of the named environment variable of the plan.
func (p TaskPlan) EnvValue(name string) (string, bool) {
	for _, e := range p.Environment {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}
