// Copyright 2024, Pulumi Corporation.  All rights reserved.

package exporterinfra

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/diags"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/matrix"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/plan"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/settings"
)

const testProject = "apy-exporter-infra"

const (
	bucketToken         = "aws:s3/bucketV2:BucketV2"
	accessBlockToken    = "aws:s3/bucketPublicAccessBlock:BucketPublicAccessBlock"
	bucketPolicyToken   = "aws:s3/bucketPolicy:BucketPolicy"
	taskDefToken        = "aws:ecs/taskDefinition:TaskDefinition"
	eventRuleToken      = "aws:cloudwatch/eventRule:EventRule"
	eventTargetToken    = "aws:cloudwatch/eventTarget:EventTarget"
	accessPointToken    = "aws:efs/accessPoint:AccessPoint"
	fileSystemToken     = "aws:efs/fileSystem:FileSystem"
	certificateToken    = "aws:acm/certificate:Certificate"
	providerToken       = "pulumi:providers:aws"
	launchTemplateToken = "aws:ec2/launchTemplate:LaunchTemplate"
	capacityToken       = "aws:ecs/capacityProvider:CapacityProvider"
	secretVersionToken  = "aws:secretsmanager/secretVersion:SecretVersion"
)

type testMonitor struct {
	CallF        func(args pulumi.MockCallArgs) (resource.PropertyMap, error)
	NewResourceF func(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error)
}

func (m *testMonitor) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	if m.CallF == nil {
		return resource.PropertyMap{}, nil
	}
	return m.CallF(args)
}

func (m *testMonitor) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	if m.NewResourceF == nil {
		return args.Name, resource.PropertyMap{}, nil
	}
	return m.NewResourceF(args)
}

type registered struct {
	Name   string
	Inputs resource.PropertyMap
}

// recorder remembers every resource registered with the mock monitor, by type token.
type recorder struct {
	mu        sync.Mutex
	resources map[string][]registered
	calls     []string
}

func (r *recorder) ofType(token string) []registered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resources[token]
}

func (r *recorder) monitor() *testMonitor {
	r.resources = map[string][]registered{}
	return &testMonitor{
		CallF: func(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
			r.mu.Lock()
			r.calls = append(r.calls, args.Token)
			r.mu.Unlock()
			switch args.Token {
			case "aws:index/getAvailabilityZones:getAvailabilityZones":
				return resource.NewPropertyMapFromMap(map[string]interface{}{
					"names": []interface{}{"us-west-2a", "us-west-2b", "us-west-2c"},
				}), nil
			case "aws:index/getRegion:getRegion":
				return resource.NewPropertyMapFromMap(map[string]interface{}{"name": "us-west-2"}), nil
			case "aws:ssm/getParameter:getParameter":
				return resource.NewPropertyMapFromMap(map[string]interface{}{
					"name":  args.Args["name"].StringValue(),
					"value": "ami-0123456789abcdef0",
				}), nil
			}
			return resource.PropertyMap{}, nil
		},
		NewResourceF: func(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
			r.mu.Lock()
			r.resources[args.TypeToken] = append(r.resources[args.TypeToken], registered{
				Name:   args.Name,
				Inputs: args.Inputs,
			})
			r.mu.Unlock()

			outputs := args.Inputs.Copy()
			outputs["arn"] = resource.NewStringProperty("arn:aws:mock:us-west-2:123456789012:" + args.Name)
			switch args.TypeToken {
			case bucketToken:
				outputs["bucketRegionalDomainName"] = resource.NewStringProperty(
					outputs["bucket"].StringValue() + ".s3.us-west-2.amazonaws.com")
			case "aws:cloudfront/distribution:Distribution":
				outputs["domainName"] = resource.NewStringProperty("d111111abcdef8.cloudfront.net")
				outputs["hostedZoneId"] = resource.NewStringProperty("Z2FDTNDATAQYW2")
			case "aws:ecr/repository:Repository":
				outputs["repositoryUrl"] = resource.NewStringProperty(
					"123456789012.dkr.ecr.us-west-2.amazonaws.com/" + outputs["name"].StringValue())
			case certificateToken:
				outputs["domainValidationOptions"] = resource.NewPropertyValue([]interface{}{
					map[string]interface{}{
						"domainName":          outputs["domainName"].StringValue(),
						"resourceRecordName":  "_x1." + outputs["domainName"].StringValue(),
						"resourceRecordType":  "CNAME",
						"resourceRecordValue": "_x2.acm-validations.aws",
					},
				})
			case "aws:route53/record:Record":
				outputs["fqdn"] = outputs["name"]
			}
			return args.Name + "-id", outputs, nil
		},
	}
}

func testSettings(t *testing.T, cfg map[string]string) *settings.Settings {
	s, err := settings.Resolve(settings.Sources{
		Config: func(key string) (string, bool) {
			v, ok := cfg[key]
			return v, ok
		},
	})
	require.NoError(t, err)
	return s
}

func productionConfig() map[string]string {
	return map[string]string{
		"environment":       "production",
		"region":            "us-west-2",
		"accountId":         "123456789012",
		"availabilityZones": `["us-west-2a"]`,
	}
}

func stagingConfig() map[string]string {
	return map[string]string{
		"environment":  "staging",
		"region":       "us-west-2",
		"hostedZoneId": "Z0123456789",
	}
}

func deployTest(t *testing.T, s *settings.Settings, m *matrix.Matrix) (*recorder, *Stack, error) {
	if m == nil {
		m = matrix.Default(s.Environment)
	}
	rec := &recorder{}
	var stack *Stack
	err := pulumi.RunErr(func(ctx *pulumi.Context) error {
		var err error
		stack, err = Deploy(ctx, s, m)
		return err
	}, pulumi.WithMocks(testProject, string(s.Environment), rec.monitor()))
	return rec, stack, err
}

// containerDefs decodes the container definitions a task definition was registered with.
func containerDefs(t *testing.T, r registered) []containerDefinition {
	var defs []containerDefinition
	require.NoError(t, json.Unmarshal([]byte(r.Inputs["containerDefinitions"].StringValue()), &defs))
	return defs
}

func volumeNames(r registered) map[string]resource.PropertyValue {
	names := map[string]resource.PropertyValue{}
	for _, v := range r.Inputs["volumes"].ArrayValue() {
		names[v.ObjectValue()["name"].StringValue()] = v
	}
	return names
}

func TestDeployProduction(t *testing.T) {
	t.Parallel()

	rec, stack, err := deployTest(t, testSettings(t, productionConfig()), nil)
	require.NoError(t, err)
	require.Len(t, stack.Tasks, 6)

	buckets := rec.ofType(bucketToken)
	require.Len(t, buckets, 1)
	assert.Equal(t, "api.yearn.finance", buckets[0].Inputs["bucket"].StringValue())

	blocks := rec.ofType(accessBlockToken)
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].Inputs["blockPublicPolicy"].BoolValue())
	assert.True(t, blocks[0].Inputs["restrictPublicBuckets"].BoolValue())

	policies := rec.ofType(bucketPolicyToken)
	require.Len(t, policies, 1)
	doc := policies[0].Inputs["policy"].StringValue()
	assert.Contains(t, doc, "AllowCloudFrontRead")
	assert.NotContains(t, doc, "AllowPublicRead")

	assert.Empty(t, rec.ofType(certificateToken))
	assert.Len(t, rec.ofType(providerToken), 1)
	assert.Len(t, rec.ofType(fileSystemToken), 1)
	assert.Len(t, rec.ofType(accessPointToken), 12)
	assert.Empty(t, rec.ofType(launchTemplateToken))
}

func TestVolumesCoverMounts(t *testing.T) {
	t.Parallel()

	for _, cfg := range []map[string]string{productionConfig(), stagingConfig()} {
		rec, _, err := deployTest(t, testSettings(t, cfg), nil)
		require.NoError(t, err)

		defs := rec.ofType(taskDefToken)
		require.NotEmpty(t, defs)
		for _, td := range defs {
			volumes := volumeNames(td)
			for _, c := range containerDefs(t, td) {
				require.NotEmpty(t, c.MountPoints, td.Name)
				for _, mp := range c.MountPoints {
					assert.Contains(t, volumes, mp.SourceVolume, "%s mounts an undeclared volume", td.Name)
				}
			}
		}
	}
}

func TestSchedulesAreUnique(t *testing.T) {
	t.Parallel()

	for _, cfg := range []map[string]string{productionConfig(), stagingConfig()} {
		rec, _, err := deployTest(t, testSettings(t, cfg), nil)
		require.NoError(t, err)

		rules := rec.ofType(eventRuleToken)
		require.NotEmpty(t, rules)
		seen := map[string]string{}
		for _, r := range rules {
			expr := r.Inputs["scheduleExpression"].StringValue()
			if other, ok := seen[expr]; ok {
				t.Errorf("%s and %s share the schedule %s", other, r.Name, expr)
			}
			seen[expr] = r.Name
		}
		assert.Len(t, rec.ofType(eventTargetToken), len(rules))
	}
}

func TestDeployStaging(t *testing.T) {
	t.Parallel()

	rec, stack, err := deployTest(t, testSettings(t, stagingConfig()), nil)
	require.NoError(t, err)
	require.Len(t, stack.Tasks, 4)

	buckets := rec.ofType(bucketToken)
	require.Len(t, buckets, 1)
	assert.Equal(t, "api.staging.yearn.finance", buckets[0].Inputs["bucket"].StringValue())

	blocks := rec.ofType(accessBlockToken)
	require.Len(t, blocks, 1)
	assert.False(t, blocks[0].Inputs["blockPublicPolicy"].BoolValue())
	assert.False(t, blocks[0].Inputs["restrictPublicBuckets"].BoolValue())

	policies := rec.ofType(bucketPolicyToken)
	require.Len(t, policies, 1)
	assert.Contains(t, policies[0].Inputs["policy"].StringValue(), "AllowPublicRead")

	certs := rec.ofType(certificateToken)
	require.Len(t, certs, 1)
	assert.Equal(t, "api.staging.yearn.finance", certs[0].Inputs["domainName"].StringValue())
	// The stack runs in us-west-2, so certificates need their own provider.
	assert.Len(t, rec.ofType(providerToken), 2)
}

func TestDeployInstanceCapacity(t *testing.T) {
	t.Parallel()

	cfg := productionConfig()
	cfg["capacity"] = "ec2"
	cfg["instanceCount"] = "2"
	rec, stack, err := deployTest(t, testSettings(t, cfg), nil)
	require.NoError(t, err)

	assert.Contains(t, rec.calls, "aws:ssm/getParameter:getParameter")
	assert.Empty(t, rec.ofType(fileSystemToken))
	assert.Len(t, rec.ofType(launchTemplateToken), 1)
	assert.Len(t, rec.ofType(capacityToken), 1)
	assert.Equal(t, "apy-production-instances", stack.Cluster.CapacityProvider)

	for _, td := range rec.ofType(taskDefToken) {
		assert.Equal(t, "EC2", td.Inputs["requiresCompatibilities"].ArrayValue()[0].StringValue())
		for name, v := range volumeNames(td) {
			host := v.ObjectValue()["hostPath"].StringValue()
			assert.Contains(t, host, plan.DataRoot+"/", name)
		}
	}
	for _, target := range rec.ofType(eventTargetToken) {
		ecsTarget := target.Inputs["ecsTarget"].ObjectValue()
		assert.False(t, ecsTarget.HasValue("launchType"))
		assert.True(t, ecsTarget.HasValue("capacityProviderStrategies"))
	}
}

func TestSecretTemplateHasEveryField(t *testing.T) {
	t.Parallel()

	rec, _, err := deployTest(t, testSettings(t, productionConfig()), nil)
	require.NoError(t, err)

	versions := rec.ofType(secretVersionToken)
	require.Len(t, versions, 1)
	secretString := versions[0].Inputs["secretString"]
	if secretString.IsSecret() {
		secretString = secretString.SecretValue().Element
	}
	require.True(t, secretString.IsString())
	var template map[string]string
	require.NoError(t, json.Unmarshal([]byte(secretString.StringValue()), &template))
	assert.NotEmpty(t, template)

	for _, td := range rec.ofType(taskDefToken) {
		for _, c := range containerDefs(t, td) {
			for _, s := range c.Secrets {
				field := s.ValueFrom[len("arn:aws:mock:us-west-2:123456789012:ApySecrets:"):]
				field = field[:len(field)-2]
				assert.Contains(t, template, field, "%s: %s", td.Name, s.Name)
			}
		}
	}
}

func TestDeployRejectsInvalidMatrix(t *testing.T) {
	t.Parallel()

	m := matrix.Default(matrix.Production)
	m.Tasks[1].Schedule = m.Tasks[0].Schedule
	rec, _, err := deployTest(t, testSettings(t, productionConfig()), m)
	require.Error(t, err)

	d, ok := diags.HasDiagnostics(err)
	require.True(t, ok, "expected diagnostics, got %v", err)
	assert.True(t, d.HasErrors())
	assert.Empty(t, rec.ofType(bucketToken))
	assert.Empty(t, rec.ofType(providerToken))
}

func TestRunReadsStackConfig(t *testing.T) {
	cfg, err := json.Marshal(map[string]string{
		testProject + ":environment":       "production",
		testProject + ":availabilityZones": `["us-west-2a"]`,
		testProject + ":imageTag":          "apy-v2",
		"aws:region":                       "us-west-2",
	})
	require.NoError(t, err)
	t.Setenv(pulumi.EnvConfig, string(cfg))

	rec := &recorder{}
	err = pulumi.RunErr(Run, pulumi.WithMocks(testProject, "production", rec.monitor()))
	require.NoError(t, err)

	defs := rec.ofType(taskDefToken)
	require.Len(t, defs, 6)
	for _, td := range defs {
		for _, c := range containerDefs(t, td) {
			assert.Contains(t, c.Image, ":apy-v2")
			assert.Equal(t, []string{"s3"}, c.Command)
		}
	}
}

func TestProgramReportsMatrixFile(t *testing.T) {
	cfg, err := json.Marshal(map[string]string{
		testProject + ":environment":       "production",
		testProject + ":availabilityZones": `["us-west-2a"]`,
		testProject + ":matrixFile":        "/etc/apy/matrix.yaml",
		"aws:region":                       "us-west-2",
	})
	require.NoError(t, err)
	t.Setenv(pulumi.EnvConfig, string(cfg))

	source := []byte(`networks:
  - name: mainnet
    explorer: https://api.etherscan.io/api
    tokenVar: ETHERSCAN_TOKEN
tasks:
  - network: mainnet
    schedule: {minute: "0", hour: "*/2"}
  - network: mainnet
    mode: experimental
    schedule: {minute: "0", hour: "0/2"}
`)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/apy/matrix.yaml", source, 0o644))

	program := &Program{Fs: fs}
	rec := &recorder{}
	err = pulumi.RunErr(program.Run, pulumi.WithMocks(testProject, "production", rec.monitor()))
	require.Error(t, err)

	d, ok := diags.HasDiagnostics(err)
	require.True(t, ok, "expected diagnostics, got %v", err)
	require.Len(t, d.Errors(), 1)
	assert.Equal(t, "tasks mainnet/endorsed and mainnet/experimental fire at the same times", d.Errors()[0].Summary)
	require.NotNil(t, d.Errors()[0].Subject)
	assert.Equal(t, "matrix.yaml", d.Errors()[0].Subject.Filename)
	assert.Equal(t, 8, d.Errors()[0].Subject.Start.Line)
	assert.Equal(t, source, program.Sources["matrix.yaml"])
	assert.Empty(t, rec.ofType(bucketToken))
}
