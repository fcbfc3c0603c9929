// Copyright 2024, Pulumi Corporation.  All rights reserved.

package exporterinfra

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecs"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/plan"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/settings"
)

// ScheduledTaskType is the Pulumi type token of the scheduled task component.
const ScheduledTaskType = "yearn:exporter:ScheduledTask"

// ScheduledTask is one task definition together with the rule that starts it.
type ScheduledTask struct {
	pulumi.ResourceState

	Plan       plan.TaskPlan
	Role       *iam.Role
	Definition *ecs.TaskDefinition
	Rule       *cloudwatch.EventRule
	Target     *cloudwatch.EventTarget
}

// taskShared are the resources every scheduled task refers to.
type taskShared struct {
	Cluster       *Cluster
	Network       *Network
	Storage       *Storage
	Repository    pulumi.StringOutput
	SecretArn     pulumi.StringOutput
	LogGroup      pulumi.StringOutput
	ExecutionRole *iam.Role
	EventsRole    *iam.Role
}

// containerRefs are the resolved values a container definition embeds.
type containerRefs struct {
	Repository string
	SecretArn  string
	LogGroup   string
	Region     string
}

type containerSecret struct {
	Name      string `json:"name"`
	ValueFrom string `json:"valueFrom"`
}

type logConfiguration struct {
	LogDriver string            `json:"logDriver"`
	Options   map[string]string `json:"options"`
}

type containerDefinition struct {
	Name              string            `json:"name"`
	Image             string            `json:"image"`
	Essential         bool              `json:"essential"`
	Command           []string          `json:"command"`
	CPU               int               `json:"cpu"`
	MemoryReservation int               `json:"memoryReservation"`
	Environment       []plan.EnvVar     `json:"environment"`
	Secrets           []containerSecret `json:"secrets"`
	MountPoints       []plan.MountPoint `json:"mountPoints"`
	LogConfiguration  logConfiguration  `json:"logConfiguration"`
}

// secretValueFrom addresses one JSON field of a Secrets Manager secret.
func secretValueFrom(secretArn, field string) string {
	return fmt.Sprintf("%s:%s::", secretArn, field)
}

// containerDefinitions renders the single exporter container of a task.
func containerDefinitions(p plan.TaskPlan, refs containerRefs) (string, error) {
	secrets := make([]containerSecret, len(p.Secrets))
	for i, s := range p.Secrets {
		secrets[i] = containerSecret{Name: s.Name, ValueFrom: secretValueFrom(refs.SecretArn, s.Field)}
	}
	defs := []containerDefinition{{
		Name:              p.ContainerName,
		Image:             refs.Repository + ":" + p.ImageTag,
		Essential:         true,
		Command:           p.Command,
		CPU:               p.CPU,
		MemoryReservation: p.Memory,
		Environment:       p.Environment,
		Secrets:           secrets,
		MountPoints:       p.MountPoints,
		LogConfiguration: logConfiguration{
			LogDriver: "awslogs",
			Options: map[string]string{
				"awslogs-group":         refs.LogGroup,
				"awslogs-region":        refs.Region,
				"awslogs-stream-prefix": p.LogStreamPrefix,
				"mode":                  "non-blocking",
			},
		},
	}}
	b, err := json.Marshal(defs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (b *builder) newScheduledTask(p plan.TaskPlan, shared taskShared) (*ScheduledTask, error) {
	task := &ScheduledTask{Plan: p}
	if err := b.ctx.RegisterComponentResource(ScheduledTaskType, p.ResourceName, task); err != nil {
		return nil, err
	}
	parent := pulumi.Parent(task)
	fargate := shared.Cluster.Capacity == settings.Fargate

	var err error
	task.Role, err = iam.NewRole(b.ctx, p.ResourceName+"TaskRole", &iam.RoleArgs{
		Path:             pulumi.String(b.rolePath()),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("ecs-tasks.amazonaws.com")),
	}, b.opts(parent)...)
	if err != nil {
		return nil, err
	}
	inputs := []interface{}{shared.Storage.Bucket.Arn}
	if fargate {
		inputs = append(inputs, shared.Cluster.FileSystem.Arn)
	}
	_, err = iam.NewRolePolicy(b.ctx, p.ResourceName+"TaskRolePolicy", &iam.RolePolicyArgs{
		Role: task.Role.Name,
		Policy: policyOutput(func(args []interface{}) PolicyDocument {
			statements := bucketReadWrite(args[0].(string))
			if len(args) > 1 {
				statements = append(statements, allow([]string{
					"elasticfilesystem:ClientMount",
					"elasticfilesystem:ClientWrite",
					"elasticfilesystem:ClientRootAccess",
				}, args[1].(string)))
			}
			return policy(statements...)
		}, inputs...),
	}, b.opts(parent)...)
	if err != nil {
		return nil, err
	}

	region := b.region
	containers := pulumi.All(shared.Repository, shared.SecretArn, shared.LogGroup).ApplyT(
		func(args []interface{}) (string, error) {
			return containerDefinitions(p, containerRefs{
				Repository: args[0].(string),
				SecretArn:  args[1].(string),
				LogGroup:   args[2].(string),
				Region:     region,
			})
		}).(pulumi.StringOutput)

	volumes := ecs.TaskDefinitionVolumeArray{}
	for _, v := range p.Volumes {
		if fargate {
			ap, ok := shared.Cluster.AccessPoints[v.Path]
			if !ok {
				return nil, fmt.Errorf("%s: no access point for volume %s at %s", p.Key, v.Name, v.Path)
			}
			volumes = append(volumes, &ecs.TaskDefinitionVolumeArgs{
				Name: pulumi.String(v.Name),
				EfsVolumeConfiguration: &ecs.TaskDefinitionVolumeEfsVolumeConfigurationArgs{
					FileSystemId:      shared.Cluster.FileSystem.ID(),
					TransitEncryption: pulumi.String("ENABLED"),
					AuthorizationConfig: &ecs.TaskDefinitionVolumeEfsVolumeConfigurationAuthorizationConfigArgs{
						AccessPointId: ap.ID().ToStringOutput(),
						Iam:           pulumi.String("ENABLED"),
					},
				},
			})
			continue
		}
		volumes = append(volumes, &ecs.TaskDefinitionVolumeArgs{
			Name:     pulumi.String(v.Name),
			HostPath: pulumi.String(v.Path),
		})
	}

	compatibility := "EC2"
	defOpts := []pulumi.ResourceOption{parent}
	if fargate {
		compatibility = "FARGATE"
		defOpts = append(defOpts, pulumi.DependsOn(shared.Cluster.MountTargets))
	}
	task.Definition, err = ecs.NewTaskDefinition(b.ctx, p.ResourceName+"TaskDefinition", &ecs.TaskDefinitionArgs{
		Family:                  pulumi.String(p.Family),
		Cpu:                     pulumi.String(strconv.Itoa(p.CPU)),
		Memory:                  pulumi.String(strconv.Itoa(p.Memory)),
		NetworkMode:             pulumi.String("awsvpc"),
		RequiresCompatibilities: pulumi.StringArray{pulumi.String(compatibility)},
		ExecutionRoleArn:        shared.ExecutionRole.Arn,
		TaskRoleArn:             task.Role.Arn,
		ContainerDefinitions:    containers,
		Volumes:                 volumes,
	}, b.opts(defOpts...)...)
	if err != nil {
		return nil, err
	}

	task.Rule, err = cloudwatch.NewEventRule(b.ctx, p.ResourceName+"ScheduleRule", &cloudwatch.EventRuleArgs{
		Name:               pulumi.String(p.RuleName),
		Description:        pulumi.String(fmt.Sprintf("run the APY exporter for %s", p.Key)),
		ScheduleExpression: pulumi.String(p.ScheduleExpression),
	}, b.opts(parent)...)
	if err != nil {
		return nil, err
	}

	target := &cloudwatch.EventTargetEcsTargetArgs{
		TaskDefinitionArn: task.Definition.Arn,
		TaskCount:         pulumi.Int(1),
		NetworkConfiguration: &cloudwatch.EventTargetEcsTargetNetworkConfigurationArgs{
			Subnets:        shared.Network.PrivateSubnetIDs(),
			SecurityGroups: pulumi.StringArray{shared.Network.TaskSecurityGroup.ID()},
			AssignPublicIp: pulumi.Bool(false),
		},
	}
	if fargate {
		target.LaunchType = pulumi.String("FARGATE")
		target.PlatformVersion = pulumi.String("LATEST")
	} else {
		target.CapacityProviderStrategies = cloudwatch.EventTargetEcsTargetCapacityProviderStrategyArray{
			&cloudwatch.EventTargetEcsTargetCapacityProviderStrategyArgs{
				CapacityProvider: pulumi.String(shared.Cluster.CapacityProvider),
				Weight:           pulumi.Int(1),
			},
		}
	}
	task.Target, err = cloudwatch.NewEventTarget(b.ctx, p.ResourceName+"ScheduleTarget", &cloudwatch.EventTargetArgs{
		Rule:      task.Rule.Name,
		Arn:       shared.Cluster.Cluster.Arn,
		RoleArn:   shared.EventsRole.Arn,
		EcsTarget: target,
	}, b.opts(parent)...)
	if err != nil {
		return nil, err
	}

	if err := b.ctx.RegisterResourceOutputs(task, pulumi.Map{
		"family":   pulumi.String(p.Family),
		"schedule": pulumi.String(p.ScheduleExpression),
	}); err != nil {
		return nil, err
	}
	return task, nil
}
