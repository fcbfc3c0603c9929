// Copyright 2024, Pulumi Corporation.  All rights reserved.

package exporterinfra

import (
	"encoding/json"
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecr"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/secretsmanager"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// LifecyclePolicy is an ECR lifecycle policy.
type LifecyclePolicy struct {
	Rules []LifecycleRule `json:"rules"`
}

type LifecycleRule struct {
	RulePriority int                `json:"rulePriority"`
	Description  string             `json:"description,omitempty"`
	Selection    LifecycleSelection `json:"selection"`
	Action       LifecycleAction    `json:"action"`
}

type LifecycleSelection struct {
	TagStatus   string `json:"tagStatus"`
	CountType   string `json:"countType"`
	CountUnit   string `json:"countUnit,omitempty"`
	CountNumber int    `json:"countNumber"`
}

type LifecycleAction struct {
	Type string `json:"type"`
}

// registryRetention expires untagged images after two days and keeps at most twenty images.
var registryRetention = LifecyclePolicy{Rules: []LifecycleRule{
	{
		RulePriority: 1,
		Description:  "expire untagged images",
		Selection:    LifecycleSelection{TagStatus: "untagged", CountType: "sinceImagePushed", CountUnit: "days", CountNumber: 2},
		Action:       LifecycleAction{Type: "expire"},
	},
	{
		RulePriority: 2,
		Description:  "keep the last 20 images",
		Selection:    LifecycleSelection{TagStatus: "any", CountType: "imageCountMoreThan", CountNumber: 20},
		Action:       LifecycleAction{Type: "expire"},
	},
}}

func (b *builder) newLogGroup() (*cloudwatch.LogGroup, error) {
	return cloudwatch.NewLogGroup(b.ctx, "ApyLogGroup", &cloudwatch.LogGroupArgs{
		Name:            pulumi.String("/ecs/" + b.name("exporter")),
		RetentionInDays: pulumi.Int(b.settings.LogRetentionDays),
	}, b.opts()...)
}

// newSecrets creates the secret bundle with every template field set to the empty string.
// Operators fill in the values by hand, so later edits are never overwritten.
func (b *builder) newSecrets(template []string) (*secretsmanager.Secret, error) {
	secret, err := secretsmanager.NewSecret(b.ctx, "ApySecrets", &secretsmanager.SecretArgs{
		NamePrefix:  pulumi.String(b.name("secrets") + "-"),
		Description: pulumi.String("provider urls and api tokens for the yearn APY exporter"),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(template))
	for _, f := range template {
		fields[f] = ""
	}
	initial, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	_, err = secretsmanager.NewSecretVersion(b.ctx, "ApySecretsTemplate", &secretsmanager.SecretVersionArgs{
		SecretId:     secret.ID(),
		SecretString: pulumi.String(string(initial)),
	}, b.opts(pulumi.IgnoreChanges([]string{"secretString"}))...)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func (b *builder) newRegistry() (*ecr.Repository, error) {
	repo, err := ecr.NewRepository(b.ctx, "ApyExporterRepository", &ecr.RepositoryArgs{
		Name:        pulumi.String(b.settings.RepositoryName),
		ForceDelete: pulumi.Bool(true),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	retention, err := json.Marshal(registryRetention)
	if err != nil {
		return nil, err
	}
	_, err = ecr.NewLifecyclePolicy(b.ctx, "ApyExporterRepositoryRetention", &ecr.LifecyclePolicyArgs{
		Repository: repo.Name,
		Policy:     pulumi.String(string(retention)),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// newServiceIdentity creates the IAM user external tooling uses to publish images and results.
func (b *builder) newServiceIdentity(bucketArn, repositoryArn pulumi.StringOutput) (*iam.User, error) {
	user, err := iam.NewUser(b.ctx, "ApyExporterUser", &iam.UserArgs{
		Name: pulumi.String(b.settings.ServiceUserName),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	_, err = iam.NewUserPolicy(b.ctx, "ApyExporterUserPolicy", &iam.UserPolicyArgs{
		User: user.Name,
		Policy: policyOutput(func(args []interface{}) PolicyDocument {
			statements := bucketReadWrite(args[0].(string))
			return policy(append(statements, registryPullPush(args[1].(string))...)...)
		}, bucketArn, repositoryArn),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// newExecutionRole is shared by every task: it pulls images, writes logs and reads the secret bundle.
func (b *builder) newExecutionRole(secretArn pulumi.StringOutput) (*iam.Role, error) {
	role, err := iam.NewRole(b.ctx, "ApyExporterExecutionRole", &iam.RoleArgs{
		Path:             pulumi.String(b.rolePath()),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("ecs-tasks.amazonaws.com")),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	_, err = iam.NewRolePolicyAttachment(b.ctx, "ApyExporterExecutionRoleManaged", &iam.RolePolicyAttachmentArgs{
		Role:      role.Name,
		PolicyArn: pulumi.String("arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	_, err = iam.NewRolePolicy(b.ctx, "ApyExporterExecutionRoleSecrets", &iam.RolePolicyArgs{
		Role: role.Name,
		Policy: policyOutput(func(args []interface{}) PolicyDocument {
			return policy(allow([]string{"secretsmanager:GetSecretValue", "secretsmanager:DescribeSecret"},
				args[0].(string)))
		}, secretArn),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	return role, nil
}

// newEventsRole lets EventBridge start the scheduled tasks and hand them their roles. Task and
// execution roles all live under rolePath.
func (b *builder) newEventsRole() (*iam.Role, error) {
	role, err := iam.NewRole(b.ctx, "ApyExporterEventsRole", &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("events.amazonaws.com")),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	doc, err := policy(
		allow([]string{"ecs:RunTask"}, fmt.Sprintf("arn:aws:ecs:*:*:task-definition/%s", b.name("*"))),
		allow([]string{"iam:PassRole"}, fmt.Sprintf("arn:aws:iam::*:role%s*", b.rolePath())),
	).JSON()
	if err != nil {
		return nil, err
	}
	_, err = iam.NewRolePolicy(b.ctx, "ApyExporterEventsRolePolicy", &iam.RolePolicyArgs{
		Role:   role.Name,
		Policy: pulumi.String(doc),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	return role, nil
}
