// Copyright 2022, Pulumi Corporation.  All rights reserved.

package tests

import (
	"os"
	"strings"
	"testing"

	"github.com/pulumi/pulumi/pkg/v3/testing/integration"
	"github.com/stretchr/testify/assert"
)

func awsConfig(env string) StackConfig {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-west-2"
	}
	config := map[string]string{
		"aws:region":  region,
		"environment": env,
		// Test stacks must not collide with the real bucket and user names.
		"bucketName":      "apy-it-" + env + "-" + strings.ToLower(strings.ReplaceAll(region, "-", "")),
		"serviceUserName": "apy-it-" + env + "-service-user",
		"repositoryName":  "apy-it-" + env,
	}
	return StackConfig{config}
}

//nolint:paralleltest // uses parallel programtest
func TestPreviewProduction(t *testing.T) {
	testWrapper(t, awsConfig("production"))
}

//nolint:paralleltest // uses parallel programtest
func TestPreviewInstanceCapacity(t *testing.T) {
	cfg := awsConfig("production")
	cfg.config["capacity"] = "ec2"
	testWrapper(t, cfg)
}

//nolint:paralleltest // uses parallel programtest
func TestStagingRequiresHostedZone(t *testing.T) {
	testWrapper(t, awsConfig("staging"), Env{"APY_HOSTED_ZONE_ID="}, expectFailure{})
}

//nolint:paralleltest // deploys real resources with fixed names
func TestDeployProduction(t *testing.T) {
	testWrapper(t, awsConfig("production"), RequireLiveRun, NoParallel, Validator{
		f: func(t *testing.T, stack integration.RuntimeValidationStackInfo) {
			assert.NotEmpty(t, stack.Outputs["vpcId"])
			assert.NotEmpty(t, stack.Outputs["clusterArn"])
			assert.NotEmpty(t, stack.Outputs["distributionDomain"])

			families, ok := stack.Outputs["taskFamilies"].([]interface{})
			if assert.True(t, ok) {
				assert.Len(t, families, 6)
			}
			schedules, ok := stack.Outputs["schedules"].(map[string]interface{})
			if assert.True(t, ok) {
				seen := map[interface{}]bool{}
				for family, expr := range schedules {
					assert.False(t, seen[expr], "%s reuses %v", family, expr)
					seen[expr] = true
				}
			}
		},
	})
}

type expectFailure struct{}

func (expectFailure) apply(options *testOptions) {
	options.programTestOptions = options.programTestOptions.With(integration.ProgramTestOptions{
		ExpectFailure: true,
	})
}
