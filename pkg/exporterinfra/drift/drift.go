// Copyright 2024, Pulumi Corporation.  All rights reserved.

// Package drift compares deployed task definitions and schedule rules with the planned matrix.
package drift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/hashicorp/go-multierror"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/plan"
)

// ECSAPI is the part of the ECS client the checker uses.
type ECSAPI interface {
	DescribeTaskDefinition(ctx context.Context, in *ecs.DescribeTaskDefinitionInput,
		opts ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
}

// EventsAPI is the part of the EventBridge client the checker uses.
type EventsAPI interface {
	DescribeRule(ctx context.Context, in *eventbridge.DescribeRuleInput,
		opts ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error)
}

// Clients holds the AWS clients the checker talks to.
type Clients struct {
	ECS    ECSAPI
	Events EventsAPI
}

// NewClients loads the default AWS configuration. endpointURL, when set, points both clients at
// an emulator.
func NewClients(ctx context.Context, region, endpointURL string) (*Clients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	if endpointURL == "" {
		return &Clients{ECS: ecs.NewFromConfig(cfg), Events: eventbridge.NewFromConfig(cfg)}, nil
	}
	return &Clients{
		ECS:    ecs.NewFromConfig(cfg, func(o *ecs.Options) { o.BaseEndpoint = aws.String(endpointURL) }),
		Events: eventbridge.NewFromConfig(cfg, func(o *eventbridge.Options) { o.BaseEndpoint = aws.String(endpointURL) }),
	}, nil
}

// Mismatch is one difference between a plan and what is deployed.
type Mismatch struct {
	Task  string
	Field string
	Want  string
	Got   string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("%s: %s is %q, want %q", m.Task, m.Field, m.Got, m.Want)
}

// Check describes every planned family and rule and reports all differences as a
// *multierror.Error of *Mismatch values and lookup errors. It returns nil when nothing drifted.
func Check(ctx context.Context, plans []plan.TaskPlan, clients *Clients) error {
	var result *multierror.Error
	for _, p := range plans {
		for _, err := range checkTask(ctx, p, clients.ECS) {
			result = multierror.Append(result, err)
		}
		for _, err := range checkRule(ctx, p, clients.Events) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Mismatches extracts the mismatches from an error returned by Check.
func Mismatches(err error) []*Mismatch {
	merr, ok := err.(*multierror.Error)
	if !ok {
		return nil
	}
	var out []*Mismatch
	for _, e := range merr.Errors {
		if m, ok := e.(*Mismatch); ok {
			out = append(out, m)
		}
	}
	return out
}

func checkTask(ctx context.Context, p plan.TaskPlan, client ECSAPI) []error {
	out, err := client.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(p.Family),
	})
	var missing *ecstypes.ClientException
	if errors.As(err, &missing) {
		return []error{&Mismatch{Task: p.Key, Field: "family", Want: p.Family}}
	}
	if err != nil {
		return []error{fmt.Errorf("%s: describing task definition %s: %w", p.Key, p.Family, err)}
	}
	if out.TaskDefinition == nil {
		return []error{&Mismatch{Task: p.Key, Field: "family", Want: p.Family}}
	}
	td := out.TaskDefinition

	var container *ecstypes.ContainerDefinition
	for i := range td.ContainerDefinitions {
		if aws.ToString(td.ContainerDefinitions[i].Name) == p.ContainerName {
			container = &td.ContainerDefinitions[i]
		}
	}
	if container == nil {
		return []error{&Mismatch{Task: p.Key, Field: "container", Want: p.ContainerName}}
	}

	var errs []error
	mismatch := func(field, want, got string) {
		if want != got {
			errs = append(errs, &Mismatch{Task: p.Key, Field: field, Want: want, Got: got})
		}
	}

	mismatch("image tag", p.ImageTag, imageTag(aws.ToString(container.Image)))

	env := map[string]string{}
	for _, kv := range container.Environment {
		env[aws.ToString(kv.Name)] = aws.ToString(kv.Value)
	}
	for _, e := range p.Environment {
		mismatch("env "+e.Name, e.Value, env[e.Name])
	}

	var wantSecrets, gotSecrets []string
	for _, s := range p.Secrets {
		wantSecrets = append(wantSecrets, s.Name)
	}
	for _, s := range container.Secrets {
		gotSecrets = append(gotSecrets, aws.ToString(s.Name))
	}
	mismatch("secrets", joinSorted(wantSecrets), joinSorted(gotSecrets))

	var wantMounts, gotMounts []string
	for _, m := range p.MountPoints {
		wantMounts = append(wantMounts, m.SourceVolume+":"+m.ContainerPath)
	}
	for _, m := range container.MountPoints {
		gotMounts = append(gotMounts, aws.ToString(m.SourceVolume)+":"+aws.ToString(m.ContainerPath))
	}
	mismatch("mount points", joinSorted(wantMounts), joinSorted(gotMounts))

	return errs
}

// imageTag returns the tag of an image reference. Digest-pinned references without a tag return
// the digest, prefixed with "@".
func imageTag(image string) string {
	ref, digest, _ := strings.Cut(image, "@")
	name := ref[strings.LastIndex(ref, "/")+1:]
	if i := strings.LastIndex(name, ":"); i >= 0 {
		return name[i+1:]
	}
	if digest != "" {
		return "@" + digest
	}
	return ""
}

func checkRule(ctx context.Context, p plan.TaskPlan, client EventsAPI) []error {
	out, err := client.DescribeRule(ctx, &eventbridge.DescribeRuleInput{Name: aws.String(p.RuleName)})
	var missing *ebtypes.ResourceNotFoundException
	if errors.As(err, &missing) {
		return []error{&Mismatch{Task: p.Key, Field: "rule", Want: p.RuleName}}
	}
	if err != nil {
		return []error{fmt.Errorf("%s: describing rule %s: %w", p.Key, p.RuleName, err)}
	}
	var errs []error
	if got := aws.ToString(out.ScheduleExpression); got != p.ScheduleExpression {
		errs = append(errs, &Mismatch{Task: p.Key, Field: "schedule", Want: p.ScheduleExpression, Got: got})
	}
	if out.State == ebtypes.RuleStateDisabled {
		errs = append(errs, &Mismatch{Task: p.Key, Field: "rule state",
			Want: string(ebtypes.RuleStateEnabled), Got: string(out.State)})
	}
	return errs
}

func joinSorted(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
