// Copyright 2024, Pulumi Corporation.  All rights reserved.

// Package settings resolves the stack-wide knobs of the exporter infrastructure from Pulumi stack
// config, with APY_* environment variables taking precedence.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/blang/semver"
	"github.com/ettle/strcase"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	pconfig "github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/config"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/matrix"
)

// EnvPrefix prefixes the environment variable that overrides a config key.
const EnvPrefix = "APY_"

// Capacity selects how the cluster gets compute.
type Capacity string

const (
	Fargate Capacity = "fargate"
	EC2     Capacity = "ec2"
)

// Key is a stack config key and the type its value must have.
type Key struct {
	Name string
	Type config.Type
}

// EnvVar is the environment variable overriding the key, e.g. APY_BUCKET_NAME.
func (k Key) EnvVar() string {
	return EnvPrefix + strcase.ToSNAKE(k.Name)
}

var Keys = []Key{
	{"environment", config.String},
	{"capacity", config.String},
	{"accountId", config.String},
	{"region", config.String},
	{"bucketName", config.String},
	{"repositoryName", config.String},
	{"serviceUserName", config.String},
	{"domain", config.String},
	{"hostedZoneId", config.String},
	{"vpcCidr", config.String},
	{"maxAzs", config.Number},
	{"availabilityZones", config.StringList},
	{"matrixFile", config.String},
	{"imageTag", config.String},
	{"sentry", config.Boolean},
	{"awsProviderVersion", config.String},
	{"instanceType", config.String},
	{"instanceCount", config.Number},
	{"logRetentionDays", config.Number},
	{"minTtl", config.Number},
	{"defaultTtl", config.Number},
	{"maxTtl", config.Number},
}

// Settings are the resolved stack-wide values.
type Settings struct {
	Environment matrix.Environment
	Capacity    Capacity

	AccountID string
	Region    string

	BucketName      string
	RepositoryName  string
	ServiceUserName string

	// Domain and HostedZoneID put the distribution behind a custom name. Required in staging.
	Domain       string
	HostedZoneID string

	VpcCidr           string
	MaxAzs            int
	AvailabilityZones []string

	MatrixFile string
	ImageTag   string
	// Sentry, when set, overrides the matrix's own Sentry flag.
	Sentry *bool

	AWSProviderVersion *semver.Version

	InstanceType  string
	InstanceCount int

	LogRetentionDays int

	MinTTL, DefaultTTL, MaxTTL int
}

// PublicRead reports whether the bucket is world readable. Only staging serves straight from S3.
func (s *Settings) PublicRead() bool {
	return s.Environment == matrix.Staging
}

// Lookup returns the raw value of a key, if set.
type Lookup func(key string) (string, bool)

// Sources are where settings come from, in increasing precedence: defaults, Config, Env.
type Sources struct {
	Config Lookup
	Env    Lookup
	// AWSRegion is the aws:region of the stack, used when no region is configured.
	AWSRegion string
}

// Load resolves settings for the running Pulumi program.
func Load(ctx *pulumi.Context) (*Settings, error) {
	cfg := pconfig.New(ctx, "")
	awsCfg := pconfig.New(ctx, "aws")
	return Resolve(Sources{
		Config: func(key string) (string, bool) {
			v, err := cfg.Try(key)
			return v, err == nil
		},
		Env:       os.LookupEnv,
		AWSRegion: awsCfg.Get("region"),
	})
}

// Resolve applies sources over the defaults of the selected environment and validates the result.
func Resolve(src Sources) (*Settings, error) {
	values := map[string]interface{}{}
	for _, k := range Keys {
		raw, ok := lookup(src, k)
		if !ok {
			continue
		}
		v, err := parseValue(k.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("config key %s: %w", k.Name, err)
		}
		values[k.Name] = v
	}

	env, err := matrix.ParseEnvironment(stringValue(values, "environment", ""))
	if err != nil {
		return nil, err
	}
	s := Defaults(env)

	s.Capacity = Capacity(strings.ToLower(stringValue(values, "capacity", string(s.Capacity))))
	s.AccountID = stringValue(values, "accountId", envFirst(src.Env, "CDK_DEFAULT_ACCOUNT"))
	s.Region = stringValue(values, "region", envFirst(src.Env, "CDK_DEFAULT_REGION"))
	if s.Region == "" {
		s.Region = src.AWSRegion
	}
	s.BucketName = stringValue(values, "bucketName", s.BucketName)
	s.RepositoryName = stringValue(values, "repositoryName", s.RepositoryName)
	s.ServiceUserName = stringValue(values, "serviceUserName", s.ServiceUserName)
	s.Domain = stringValue(values, "domain", s.Domain)
	s.HostedZoneID = stringValue(values, "hostedZoneId", s.HostedZoneID)
	s.VpcCidr = stringValue(values, "vpcCidr", s.VpcCidr)
	s.MaxAzs = intValue(values, "maxAzs", s.MaxAzs)
	if zones, ok := values["availabilityZones"].([]string); ok {
		s.AvailabilityZones = zones
	}
	s.MatrixFile = stringValue(values, "matrixFile", "")
	s.ImageTag = stringValue(values, "imageTag", "")
	if b, ok := values["sentry"].(bool); ok {
		s.Sentry = &b
	}
	if v := stringValue(values, "awsProviderVersion", ""); v != "" {
		version, err := semver.ParseTolerant(v)
		if err != nil {
			return nil, fmt.Errorf("config key awsProviderVersion: %w", err)
		}
		s.AWSProviderVersion = &version
	}
	s.InstanceType = stringValue(values, "instanceType", s.InstanceType)
	s.InstanceCount = intValue(values, "instanceCount", s.InstanceCount)
	s.LogRetentionDays = intValue(values, "logRetentionDays", s.LogRetentionDays)
	s.MinTTL = intValue(values, "minTtl", s.MinTTL)
	s.DefaultTTL = intValue(values, "defaultTtl", s.DefaultTTL)
	s.MaxTTL = intValue(values, "maxTtl", s.MaxTTL)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Defaults returns the settings of env before any config or environment variable is applied.
func Defaults(env matrix.Environment) *Settings {
	s := &Settings{
		Environment:      env,
		Capacity:         Fargate,
		BucketName:       "api.yearn.finance",
		RepositoryName:   "yearn-exporter",
		ServiceUserName:  "apy-exporter-service-user",
		VpcCidr:          "10.0.0.0/16",
		MaxAzs:           1,
		InstanceType:     "r5.xlarge",
		InstanceCount:    1,
		LogRetentionDays: 30,
		MinTTL:           0,
		DefaultTTL:       300,
		MaxTTL:           3600,
	}
	if env == matrix.Staging {
		s.BucketName = "api.staging.yearn.finance"
		s.Domain = s.BucketName
		s.ServiceUserName = "apy-exporter-staging-service-user"
	}
	return s
}

// Validate checks that the settings can describe a deployable stack.
func (s *Settings) Validate() error {
	switch s.Capacity {
	case Fargate, EC2:
	default:
		return fmt.Errorf("unknown capacity %q; expected %s or %s", s.Capacity, Fargate, EC2)
	}
	if s.BucketName == "" {
		return fmt.Errorf("bucketName must not be empty")
	}
	if s.MaxAzs < 1 {
		return fmt.Errorf("maxAzs must be at least 1, got %d", s.MaxAzs)
	}
	if len(s.AvailabilityZones) > 0 && len(s.AvailabilityZones) < s.MaxAzs {
		return fmt.Errorf("%d availability zones configured but maxAzs is %d", len(s.AvailabilityZones), s.MaxAzs)
	}
	if s.Capacity == EC2 && s.InstanceCount < 1 {
		return fmt.Errorf("instanceCount must be at least 1 with ec2 capacity")
	}
	if s.MinTTL < 0 || s.MinTTL > s.DefaultTTL || s.DefaultTTL > s.MaxTTL {
		return fmt.Errorf("cache TTLs must satisfy 0 <= minTtl <= defaultTtl <= maxTtl, got %d/%d/%d",
			s.MinTTL, s.DefaultTTL, s.MaxTTL)
	}
	if s.Environment == matrix.Staging && (s.Domain == "" || s.HostedZoneID == "") {
		return fmt.Errorf("staging requires a domain and a hosted zone id (set %s)", Key{Name: "hostedZoneId"}.EnvVar())
	}
	if (s.Domain == "") != (s.HostedZoneID == "") {
		return fmt.Errorf("domain and hostedZoneId must be set together")
	}
	return nil
}

func lookup(src Sources, k Key) (string, bool) {
	if src.Env != nil {
		if v, ok := src.Env(k.EnvVar()); ok && v != "" {
			return v, true
		}
	}
	if src.Config != nil {
		if v, ok := src.Config(k.Name); ok {
			return v, true
		}
	}
	return "", false
}

// parseValue accepts both the plain text of environment variables and the JSON Pulumi uses for
// structured config.
func parseValue(t config.Type, raw string) (interface{}, error) {
	if t == config.StringList && strings.HasPrefix(strings.TrimSpace(raw), "[") {
		var items []string
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("%q is not a %s", raw, t)
		}
		return items, nil
	}
	return config.ParseValue(t, raw)
}

func envFirst(env Lookup, names ...string) string {
	if env == nil {
		return ""
	}
	for _, n := range names {
		if v, ok := env(n); ok && v != "" {
			return v
		}
	}
	return ""
}

func stringValue(values map[string]interface{}, key, def string) string {
	if v, ok := values[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intValue(values map[string]interface{}, key string, def int) int {
	if v, ok := values[key].(int); ok {
		return v
	}
	return def
}
