// Copyright 2022, Pulumi Corporation.  All rights reserved.

package tests

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pulumi/pulumi/pkg/v3/engine"
	"github.com/pulumi/pulumi/pkg/v3/testing/integration"
	"github.com/stretchr/testify/assert"
)

// projectRoot is the directory holding Pulumi.yaml, relative to this package.
const projectRoot = "../.."

func getDryRun() bool {
	return !(os.Getenv("PULUMI_LIVE_TEST") == "true")
}

func skipOnDryRun(t *testing.T) {
	if getDryRun() {
		t.Skipf("Skipping test %s which requires non-dryrun config", t.Name())
	}
}

func prepareGoProject(*engine.Projinfo) error {
	return nil
}

type testOptions struct {
	requireLiveRun     *bool
	programTestOptions integration.ProgramTestOptions
}

type TestOption interface {
	apply(options *testOptions)
}

type requireLiveRun struct{}

var RequireLiveRun = requireLiveRun{}

func (o requireLiveRun) apply(options *testOptions) {
	options.requireLiveRun = boolRef(true)
}

type noParallel struct{}

var NoParallel = noParallel{}

func (o noParallel) apply(options *testOptions) {
	options.programTestOptions = options.programTestOptions.With(integration.ProgramTestOptions{
		NoParallel: true,
	})
}

type StackConfig struct{ config map[string]string }

func (o StackConfig) apply(options *testOptions) {
	options.programTestOptions = options.programTestOptions.With(integration.ProgramTestOptions{
		Config: o.config,
	})
}

type Env []string

func (o Env) apply(options *testOptions) {
	options.programTestOptions.Env = append(options.programTestOptions.Env, o...)
}

type Validator struct {
	f func(t *testing.T, stack integration.RuntimeValidationStackInfo)
}

func (o Validator) apply(options *testOptions) {
	priorFunc := options.programTestOptions.ExtraRuntimeValidation
	options.programTestOptions.ExtraRuntimeValidation = func(t *testing.T, stack integration.RuntimeValidationStackInfo) {
		if priorFunc != nil {
			priorFunc(t, stack)
		}
		o.f(t, stack)
	}
}

func boolRef(val bool) *bool { return &val }

// testWrapper runs the exporter program with ProgramTest. Without PULUMI_LIVE_TEST=true only a
// preview runs.
func testWrapper(t *testing.T, opts ...TestOption) {
	dryrun := getDryRun()

	var testOptions testOptions

	dir := filepath.Join(getCwd(t), projectRoot)
	testOptions.programTestOptions = integration.ProgramTestOptions{
		Dir:                      dir,
		StackName:                GetStackName(t, dir),
		SkipUpdate:               dryrun,
		SkipRefresh:              dryrun,
		AllowEmptyPreviewChanges: dryrun,
		SkipExportImport:         dryrun,
		ExpectRefreshChanges:     !dryrun,

		PrepareProject: prepareGoProject,
	}

	if !dryrun {
		testOptions.programTestOptions = testOptions.programTestOptions.With(integration.ProgramTestOptions{
			ExtraRuntimeValidation: func(t *testing.T, stackInfo integration.RuntimeValidationStackInfo) {
				assert.NotNil(t, stackInfo.Deployment)
			},
		})
	}

	for _, opt := range opts {
		opt.apply(&testOptions)
	}

	if testOptions.requireLiveRun != nil && *testOptions.requireLiveRun {
		skipOnDryRun(t)
	}

	integration.ProgramTest(t, &testOptions.programTestOptions)
}

func getCwd(t *testing.T) string {
	cwd, err := os.Getwd()
	if err != nil {
		t.FailNow()
	}
	return cwd
}
