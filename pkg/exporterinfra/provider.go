// Copyright 2024, Pulumi Corporation.  All rights reserved.

package exporterinfra

import (
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/settings"
)

// CertificateRegion is where CloudFront looks for certificates.
const CertificateRegion = "us-east-1"

func newProvider(ctx *pulumi.Context, name, region string, s *settings.Settings) (*aws.Provider, error) {
	args := &aws.ProviderArgs{
		DefaultTags: &aws.ProviderDefaultTagsArgs{
			Tags: pulumi.StringMap{
				"project":     pulumi.String("yearn-exporter"),
				"environment": pulumi.String(string(s.Environment)),
			},
		},
	}
	if region != "" {
		args.Region = pulumi.String(region)
	}
	if s.AccountID != "" {
		args.AllowedAccountIds = pulumi.StringArray{pulumi.String(s.AccountID)}
	}

	var opts []pulumi.ResourceOption
	if s.AWSProviderVersion != nil {
		logging.V(5).Infof("pinning aws provider %s to %s", name, s.AWSProviderVersion)
		opts = append(opts, pulumi.Version(s.AWSProviderVersion.String()))
	}
	return aws.NewProvider(ctx, name, args, opts...)
}

// resolveRegion returns the configured region, asking the provider when none is configured.
func resolveRegion(ctx *pulumi.Context, s *settings.Settings, p *aws.Provider) (string, error) {
	if s.Region != "" {
		return s.Region, nil
	}
	r, err := aws.GetRegion(ctx, nil, pulumi.Provider(p))
	if err != nil {
		return "", err
	}
	return r.Name, nil
}
