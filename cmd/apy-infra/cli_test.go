// Copyright 2024, Pulumi Corporation.  All rights reserved.

package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/drift"
)

type unreachable struct{}

func (unreachable) DescribeTaskDefinition(context.Context, *ecs.DescribeTaskDefinitionInput,
	...func(*ecs.Options),
) (*ecs.DescribeTaskDefinitionOutput, error) {
	return nil, errors.New("connection refused")
}

func (unreachable) DescribeRule(context.Context, *eventbridge.DescribeRuleInput,
	...func(*eventbridge.Options),
) (*eventbridge.DescribeRuleOutput, error) {
	return nil, errors.New("connection refused")
}

type testIO struct {
	out, err bytes.Buffer
	fs       afero.Fs
}

func (tio *testIO) deps() Dependencies {
	return Dependencies{
		Out: &tio.out,
		Err: &tio.err,
		Fs:  tio.fs,
		NewClients: func(context.Context, string, string) (*drift.Clients, error) {
			return &drift.Clients{ECS: unreachable{}, Events: unreachable{}}, nil
		},
	}
}

func newTestIO() *testIO {
	return &testIO{fs: afero.NewMemMapFs()}
}

const duplicateSchedules = `networks:
  - name: mainnet
    explorer: https://api.etherscan.io/api
    tokenVar: ETHERSCAN_TOKEN
tasks:
  - network: mainnet
    mode: endorsed
    schedule: {minute: "0", hour: "*/2"}
  - network: mainnet
    mode: experimental
    schedule: {minute: "0", hour: "*/2"}
`

func TestPlanPrintsTasks(t *testing.T) {
	t.Parallel()

	tio := newTestIO()
	code := Run([]string{"--env", "staging", "plan"}, tio.deps())
	require.Equal(t, 0, code, tio.err.String())

	var plans []map[string]interface{}
	require.NoError(t, yaml.Unmarshal(tio.out.Bytes(), &plans))
	require.Len(t, plans, 4)
	assert.Equal(t, "apy-staging-mainnet-endorsed", plans[0]["family"])
	assert.Equal(t, "apy/mainnet/endorsed", plans[0]["logStreamPrefix"])
}

func TestPlanWritesFile(t *testing.T) {
	t.Parallel()

	tio := newTestIO()
	code := Run([]string{"plan", "--out", "/tmp/plan.yaml", "--bucket", "results.example.com"}, tio.deps())
	require.Equal(t, 0, code, tio.err.String())
	assert.Empty(t, tio.out.String())

	written, err := afero.ReadFile(tio.fs, "/tmp/plan.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(written), "value: results.example.com")
	assert.Contains(t, tio.err.String(), "wrote plan")
}

func TestValidateReportsDiagnostics(t *testing.T) {
	t.Parallel()

	tio := newTestIO()
	require.NoError(t, afero.WriteFile(tio.fs, "matrix.yaml", []byte(duplicateSchedules), 0o644))

	code := Run([]string{"validate", "--matrix", "matrix.yaml"}, tio.deps())
	assert.Equal(t, 1, code)
	assert.Contains(t, tio.err.String(),
		"tasks mainnet/endorsed and mainnet/experimental are both scheduled at cron(0 */2 * * ? *)")
	assert.Contains(t, tio.err.String(), "matrix.yaml")
	assert.Contains(t, tio.err.String(), "matrix is invalid")
}

func TestValidateBuiltinMatrix(t *testing.T) {
	t.Parallel()

	tio := newTestIO()
	assert.Equal(t, 0, Run([]string{"validate", "-e", "production"}, tio.deps()), tio.err.String())
	assert.Contains(t, tio.err.String(), "matrix is valid")
}

func TestMissingMatrixFile(t *testing.T) {
	t.Parallel()

	tio := newTestIO()
	assert.Equal(t, 1, Run([]string{"plan", "--matrix", "nope.yaml"}, tio.deps()))
	assert.Contains(t, tio.err.String(), "reading matrix nope.yaml")
}

func TestDriftReportsLookupFailures(t *testing.T) {
	t.Parallel()

	tio := newTestIO()
	code := Run([]string{"--env", "staging", "drift", "--region", "us-east-1"}, tio.deps())
	assert.Equal(t, 1, code)
	assert.Contains(t, tio.out.String(), "describing task definition apy-staging-mainnet-endorsed")
	assert.Contains(t, tio.out.String(), "describing rule apy-staging-arbitrum-main-endorsed")
}

func TestBadArguments(t *testing.T) {
	t.Parallel()

	tio := newTestIO()
	assert.Equal(t, 2, Run([]string{"--env", "qa", "plan"}, tio.deps()))
	assert.Equal(t, 2, Run([]string{}, tio.deps()))
}
