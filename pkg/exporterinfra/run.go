// Copyright 2024, Pulumi Corporation.  All rights reserved.

// Package exporterinfra declares the AWS infrastructure of the yearn APY exporter: network,
// secret bundle, image registry, results bucket behind a CDN, an ECS cluster and one scheduled
// task per network and export mode.
package exporterinfra

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/spf13/afero"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/diags"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/matrix"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/plan"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/settings"
)

// Stack is everything Deploy declared.
type Stack struct {
	Settings *settings.Settings
	Plans    []plan.TaskPlan

	Network      *Network
	Storage      *Storage
	Distribution pulumi.StringOutput
	Cluster      *Cluster
	Tasks        []*ScheduledTask
}

type builder struct {
	ctx      *pulumi.Context
	settings *settings.Settings
	provider *aws.Provider
	// usEast1 holds certificates for the distribution. It is provider when the stack already
	// deploys to us-east-1.
	usEast1 *aws.Provider
	region  string
}

func (b *builder) opts(extra ...pulumi.ResourceOption) []pulumi.ResourceOption {
	return append([]pulumi.ResourceOption{pulumi.Provider(b.provider)}, extra...)
}

// name returns an environment-scoped physical name, e.g. apy-staging-cluster.
func (b *builder) name(suffix string) string {
	return fmt.Sprintf("apy-%s-%s", b.settings.Environment, suffix)
}

// rolePath is the IAM path of every role a task runs with.
func (b *builder) rolePath() string {
	return fmt.Sprintf("/apy-exporter/%s/", b.settings.Environment)
}

// Program is the Pulumi program, reading matrix files from Fs.
type Program struct {
	Fs afero.Fs
	// Sources holds the text of every matrix file read, keyed by the file name diagnostics refer to.
	Sources map[string][]byte
}

// Run is the Pulumi program reading from the OS file system.
func Run(ctx *pulumi.Context) error {
	return (&Program{Fs: afero.NewOsFs()}).Run(ctx)
}

// Run loads the settings and the matrix and deploys them.
func (p *Program) Run(ctx *pulumi.Context) error {
	s, err := settings.Load(ctx)
	if err != nil {
		return err
	}
	m, err := LoadMatrix(p.Fs, s)
	if err != nil {
		return err
	}
	if m.Source != nil {
		if p.Sources == nil {
			p.Sources = map[string][]byte{}
		}
		p.Sources[m.Filename] = m.Source
	}
	_, err = Deploy(ctx, s, m)
	return err
}

// LoadMatrix returns the task matrix the settings select: the configured file, or the built-in
// table of the environment. Image tag and Sentry overrides from the settings are applied.
func LoadMatrix(fs afero.Fs, s *settings.Settings) (*matrix.Matrix, error) {
	var m *matrix.Matrix
	if s.MatrixFile != "" {
		loaded, err := matrix.LoadFile(fs, s.MatrixFile)
		if err != nil {
			return nil, err
		}
		m = loaded
	} else {
		m = matrix.Default(s.Environment)
	}
	if s.ImageTag != "" {
		for i := range m.Tasks {
			m.Tasks[i].ImageTag = s.ImageTag
		}
	}
	if s.Sentry != nil {
		m.Sentry = *s.Sentry
	}
	return m, nil
}

// Deploy declares the stack for the given settings and matrix. Matrix problems are returned as
// diags.Diagnostics before any resource is registered.
func Deploy(ctx *pulumi.Context, s *settings.Settings, m *matrix.Matrix) (*Stack, error) {
	plans, d := plan.Build(m, plan.Options{Environment: s.Environment, Bucket: s.BucketName})
	for _, w := range d.Warnings() {
		if err := ctx.Log.Warn(w.Error(), nil); err != nil {
			return nil, err
		}
	}
	if d.HasErrors() {
		return nil, d.Errors()
	}
	if len(plans) == 0 {
		return nil, diags.Diagnostics{diags.Error(nil, "no scheduled tasks to deploy", "")}
	}

	if err := ctx.Log.Info(fmt.Sprintf("deploying the %s exporter on %s capacity with %d scheduled tasks",
		s.Environment, s.Capacity, len(plans)), nil); err != nil {
		return nil, err
	}

	b := &builder{ctx: ctx, settings: s}
	var err error
	if b.provider, err = newProvider(ctx, "aws", s.Region, s); err != nil {
		return nil, err
	}
	if b.region, err = resolveRegion(ctx, s, b.provider); err != nil {
		return nil, err
	}
	b.usEast1 = b.provider
	if s.Domain != "" && b.region != CertificateRegion {
		if b.usEast1, err = newProvider(ctx, "aws-"+CertificateRegion, CertificateRegion, s); err != nil {
			return nil, err
		}
	}
	logging.V(5).Infof("deploying to %s in %s", s.AccountID, b.region)

	return b.deploy(plans, m.Template())
}

func (b *builder) deploy(plans []plan.TaskPlan, template []string) (*Stack, error) {
	stack := &Stack{Settings: b.settings, Plans: plans}

	var err error
	if stack.Network, err = b.newNetwork(); err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	logGroup, err := b.newLogGroup()
	if err != nil {
		return nil, err
	}
	secret, err := b.newSecrets(template)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	repo, err := b.newRegistry()
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if stack.Storage, err = b.newStorage(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	dist, err := b.newDistribution(stack.Storage)
	if err != nil {
		return nil, fmt.Errorf("distribution: %w", err)
	}
	stack.Distribution = dist.DomainName
	if err := b.grantRead(stack.Storage, dist); err != nil {
		return nil, err
	}
	user, err := b.newServiceIdentity(stack.Storage.Bucket.Arn, repo.Arn)
	if err != nil {
		return nil, fmt.Errorf("service identity: %w", err)
	}

	if stack.Cluster, err = b.newCluster(stack.Network, plan.VolumePaths(plans)); err != nil {
		return nil, fmt.Errorf("cluster: %w", err)
	}
	executionRole, err := b.newExecutionRole(secret.Arn)
	if err != nil {
		return nil, err
	}
	eventsRole, err := b.newEventsRole()
	if err != nil {
		return nil, err
	}

	shared := taskShared{
		Cluster:       stack.Cluster,
		Network:       stack.Network,
		Storage:       stack.Storage,
		Repository:    repo.RepositoryUrl,
		SecretArn:     secret.Arn,
		LogGroup:      logGroup.Name,
		ExecutionRole: executionRole,
		EventsRole:    eventsRole,
	}
	families := pulumi.StringArray{}
	schedules := pulumi.StringMap{}
	for _, p := range plans {
		task, err := b.newScheduledTask(p, shared)
		if err != nil {
			return nil, fmt.Errorf("scheduled task %s: %w", p.Key, err)
		}
		if err := b.ctx.Log.Info(fmt.Sprintf("task %s: family %s, %s", p.Key, p.Family, p.ScheduleExpression),
			&pulumi.LogArgs{Resource: task}); err != nil {
			return nil, err
		}
		stack.Tasks = append(stack.Tasks, task)
		families = append(families, pulumi.String(p.Family))
		schedules[p.Family] = pulumi.String(p.ScheduleExpression)
	}

	b.ctx.Export("vpcId", stack.Network.Vpc.ID())
	b.ctx.Export("clusterArn", stack.Cluster.Cluster.Arn)
	b.ctx.Export("bucketName", stack.Storage.Bucket.Bucket)
	b.ctx.Export("distributionDomain", dist.DomainName)
	b.ctx.Export("repositoryUrl", repo.RepositoryUrl)
	b.ctx.Export("secretArn", secret.Arn)
	b.ctx.Export("logGroupName", logGroup.Name)
	b.ctx.Export("serviceUserName", user.Name)
	b.ctx.Export("taskFamilies", families)
	b.ctx.Export("schedules", schedules)
	return stack, nil
}
