// Copyright 2024, Pulumi Corporation.  All rights reserved.

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/diags"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/drift"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/matrix"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/plan"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/settings"
)

// Dependencies are the outside world the commands talk to.
type Dependencies struct {
	Out        io.Writer
	Err        io.Writer
	Fs         afero.Fs
	NewClients func(ctx context.Context, region, endpointURL string) (*drift.Clients, error)
}

// CLI is the command line parsed by kong.
type CLI struct {
	Env     string `short:"e" name:"env" default:"production" enum:"production,staging" help:"Environment whose tasks to plan."`
	Matrix  string `short:"m" help:"Task matrix file. Defaults to the built-in table of the environment."`
	Bucket  string `help:"Results bucket handed to the tasks. Defaults to the bucket of the environment."`
	Verbose bool   `short:"v" help:"Log debug output."`

	Plan     PlanCmd     `cmd:"" help:"Print the scheduled tasks the matrix produces."`
	Validate ValidateCmd `cmd:"" help:"Check a task matrix and print its diagnostics."`
	Drift    DriftCmd    `cmd:"" help:"Compare deployed task definitions and rules with the plan."`
}

type (
	PlanCmd struct {
		Out string `short:"o" help:"Write the plan to this file instead of stdout."`
	}
	ValidateCmd struct{}
	DriftCmd    struct {
		Region   string `help:"AWS region of the stack."`
		Endpoint string `help:"Override the AWS endpoint, e.g. for an emulator."`
	}
)

type commandHandler func(*session) int

// session carries one invocation's parsed flags and resolved inputs.
type session struct {
	cli    CLI
	deps   Dependencies
	log    zerolog.Logger
	env    matrix.Environment
	matrix *matrix.Matrix
	source []byte
}

// Run parses args and runs the selected command. It returns the process exit code.
func Run(args []string, deps Dependencies) int {
	if deps.Out == nil {
		deps.Out = io.Discard
	}
	if deps.Err == nil {
		deps.Err = io.Discard
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("apy-infra"),
		kong.Description("Inspect the scheduled tasks of the yearn APY exporter."),
		kong.Writers(deps.Out, deps.Err),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		fmt.Fprintln(deps.Err, err)
		return 1
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(deps.Err, err)
		return 2
	}

	level := zerolog.InfoLevel
	if cli.Verbose {
		level = zerolog.DebugLevel
	}
	s := &session{
		cli:  cli,
		deps: deps,
		log:  zerolog.New(zerolog.ConsoleWriter{Out: deps.Err, NoColor: true}).Level(level).With().Timestamp().Logger(),
	}

	handlers := map[string]commandHandler{
		"plan":     runPlan,
		"validate": runValidate,
		"drift":    runDrift,
	}
	handler, ok := handlers[ctx.Command()]
	if !ok {
		s.log.Error().Str("command", ctx.Command()).Msg("unknown command")
		return 1
	}
	if err := s.load(); err != nil {
		s.log.Error().Err(err).Msg("loading matrix")
		return 1
	}
	return handler(s)
}

func (s *session) load() error {
	env, err := matrix.ParseEnvironment(s.cli.Env)
	if err != nil {
		return err
	}
	s.env = env
	if s.cli.Matrix == "" {
		s.matrix = matrix.Default(env)
		s.log.Debug().Str("env", string(env)).Msg("using the built-in matrix")
		return nil
	}
	s.source, err = afero.ReadFile(s.deps.Fs, s.cli.Matrix)
	if err != nil {
		return fmt.Errorf("reading matrix %s: %w", s.cli.Matrix, err)
	}
	s.matrix, err = matrix.LoadBytes(s.cli.Matrix, s.source)
	if err != nil {
		return err
	}
	s.log.Debug().Str("file", s.cli.Matrix).Int("tasks", len(s.matrix.Tasks)).Msg("loaded matrix")
	return nil
}

func (s *session) build() ([]plan.TaskPlan, diags.Diagnostics) {
	bucket := s.cli.Bucket
	if bucket == "" {
		bucket = settings.Defaults(s.env).BucketName
	}
	return plan.Build(s.matrix, plan.Options{Environment: s.env, Bucket: bucket})
}

func (s *session) writeDiagnostics(d diags.Diagnostics) {
	sources := map[string][]byte{}
	if s.source != nil {
		sources[s.cli.Matrix] = s.source
	}
	if err := d.Write(diags.NewDiagnosticWriter(s.deps.Err, sources, 0, false)); err != nil {
		s.log.Error().Err(err).Msg("writing diagnostics")
	}
}

func runPlan(s *session) int {
	plans, d := s.build()
	s.writeDiagnostics(d)
	if d.HasErrors() {
		return 1
	}
	out, err := yaml.Marshal(plans)
	if err != nil {
		s.log.Error().Err(err).Msg("encoding plan")
		return 1
	}
	if s.cli.Plan.Out == "" {
		if _, err := s.deps.Out.Write(out); err != nil {
			s.log.Error().Err(err).Msg("writing plan")
			return 1
		}
		return 0
	}
	if err := afero.WriteFile(s.deps.Fs, s.cli.Plan.Out, out, 0o644); err != nil {
		s.log.Error().Err(err).Str("file", s.cli.Plan.Out).Msg("writing plan")
		return 1
	}
	s.log.Info().Str("file", s.cli.Plan.Out).Int("tasks", len(plans)).Msg("wrote plan")
	return 0
}

func runValidate(s *session) int {
	plans, d := s.build()
	s.writeDiagnostics(d)
	if d.HasErrors() {
		s.log.Error().Int("errors", len(d.Errors())).Int("warnings", len(d.Warnings())).Msg("matrix is invalid")
		return 1
	}
	s.log.Info().Int("tasks", len(plans)).Int("warnings", len(d.Warnings())).Msg("matrix is valid")
	return 0
}

func runDrift(s *session) int {
	plans, d := s.build()
	s.writeDiagnostics(d)
	if d.HasErrors() {
		return 1
	}
	ctx := context.Background()
	clients, err := s.deps.NewClients(ctx, s.cli.Drift.Region, s.cli.Drift.Endpoint)
	if err != nil {
		s.log.Error().Err(err).Msg("creating AWS clients")
		return 1
	}
	if err := drift.Check(ctx, plans, clients); err != nil {
		fmt.Fprintln(s.deps.Out, err)
		s.log.Warn().Int("mismatches", len(drift.Mismatches(err))).Msg("deployment drifted from the plan")
		return 1
	}
	s.log.Info().Int("tasks", len(plans)).Msg("deployment matches the plan")
	return 0
}
