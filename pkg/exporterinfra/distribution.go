// Copyright 2024, Pulumi Corporation.  All rights reserved.

package exporterinfra

import (
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/acm"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudfront"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/route53"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const bucketOriginID = "apy-bucket"

// newDistribution puts CloudFront in front of the bucket. With a domain configured the
// distribution answers on it with a DNS-validated certificate.
func (b *builder) newDistribution(st *Storage) (*cloudfront.Distribution, error) {
	oac, err := cloudfront.NewOriginAccessControl(b.ctx, "ApyExporterOriginAccess", &cloudfront.OriginAccessControlArgs{
		Name:                          pulumi.String(b.name("bucket")),
		Description:                   pulumi.String("read access to the APY results bucket"),
		OriginAccessControlOriginType: pulumi.String("s3"),
		SigningBehavior:               pulumi.String("always"),
		SigningProtocol:               pulumi.String("sigv4"),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}

	viewer := &cloudfront.DistributionViewerCertificateArgs{
		CloudfrontDefaultCertificate: pulumi.Bool(true),
	}
	var aliases pulumi.StringArray
	if b.settings.Domain != "" {
		certArn, err := b.newCertificate()
		if err != nil {
			return nil, err
		}
		viewer = &cloudfront.DistributionViewerCertificateArgs{
			AcmCertificateArn:      certArn,
			SslSupportMethod:       pulumi.String("sni-only"),
			MinimumProtocolVersion: pulumi.String("TLSv1.2_2021"),
		}
		aliases = pulumi.StringArray{pulumi.String(b.settings.Domain)}
	}

	dist, err := cloudfront.NewDistribution(b.ctx, "ApyExporterDistribution", &cloudfront.DistributionArgs{
		Enabled:    pulumi.Bool(true),
		Comment:    pulumi.String(b.name("results")),
		Aliases:    aliases,
		PriceClass: pulumi.String("PriceClass_100"),
		Origins: cloudfront.DistributionOriginArray{
			&cloudfront.DistributionOriginArgs{
				OriginId:              pulumi.String(bucketOriginID),
				DomainName:            st.Bucket.BucketRegionalDomainName,
				OriginAccessControlId: oac.ID().ToStringOutput(),
			},
		},
		DefaultCacheBehavior: &cloudfront.DistributionDefaultCacheBehaviorArgs{
			TargetOriginId:       pulumi.String(bucketOriginID),
			ViewerProtocolPolicy: pulumi.String("redirect-to-https"),
			AllowedMethods:       pulumi.StringArray{pulumi.String("GET"), pulumi.String("HEAD")},
			CachedMethods:        pulumi.StringArray{pulumi.String("GET"), pulumi.String("HEAD")},
			ForwardedValues: &cloudfront.DistributionDefaultCacheBehaviorForwardedValuesArgs{
				QueryString: pulumi.Bool(false),
				Cookies: &cloudfront.DistributionDefaultCacheBehaviorForwardedValuesCookiesArgs{
					Forward: pulumi.String("none"),
				},
			},
			MinTtl:     pulumi.Int(b.settings.MinTTL),
			DefaultTtl: pulumi.Int(b.settings.DefaultTTL),
			MaxTtl:     pulumi.Int(b.settings.MaxTTL),
		},
		Restrictions: &cloudfront.DistributionRestrictionsArgs{
			GeoRestriction: &cloudfront.DistributionRestrictionsGeoRestrictionArgs{
				RestrictionType: pulumi.String("none"),
			},
		},
		ViewerCertificate: viewer,
	}, b.opts()...)
	if err != nil {
		return nil, err
	}

	if b.settings.Domain != "" {
		_, err = route53.NewRecord(b.ctx, "ApyExporterAlias", &route53.RecordArgs{
			ZoneId: pulumi.String(b.settings.HostedZoneID),
			Name:   pulumi.String(b.settings.Domain),
			Type:   pulumi.String("A"),
			Aliases: route53.RecordAliasArray{
				&route53.RecordAliasArgs{
					Name:                 dist.DomainName,
					ZoneId:               dist.HostedZoneId,
					EvaluateTargetHealth: pulumi.Bool(false),
				},
			},
		}, b.opts()...)
		if err != nil {
			return nil, err
		}
	}
	return dist, nil
}

// newCertificate issues the distribution's certificate in us-east-1 and validates it through the
// hosted zone. It returns the ARN of the validated certificate.
func (b *builder) newCertificate() (pulumi.StringOutput, error) {
	logging.V(5).Infof("issuing certificate for %s in zone %s", b.settings.Domain, b.settings.HostedZoneID)
	cert, err := acm.NewCertificate(b.ctx, "ApyExporterCertificate", &acm.CertificateArgs{
		DomainName:       pulumi.String(b.settings.Domain),
		ValidationMethod: pulumi.String("DNS"),
	}, pulumi.Provider(b.usEast1))
	if err != nil {
		return pulumi.StringOutput{}, err
	}

	option := cert.DomainValidationOptions.Index(pulumi.Int(0))
	record, err := route53.NewRecord(b.ctx, "ApyExporterCertificateValidation", &route53.RecordArgs{
		ZoneId:         pulumi.String(b.settings.HostedZoneID),
		Name:           option.ResourceRecordName().Elem(),
		Type:           option.ResourceRecordType().Elem(),
		Records:        pulumi.StringArray{option.ResourceRecordValue().Elem()},
		Ttl:            pulumi.Int(60),
		AllowOverwrite: pulumi.Bool(true),
	}, b.opts()...)
	if err != nil {
		return pulumi.StringOutput{}, err
	}

	validation, err := acm.NewCertificateValidation(b.ctx, "ApyExporterCertificateValidated", &acm.CertificateValidationArgs{
		CertificateArn:        cert.Arn,
		ValidationRecordFqdns: pulumi.StringArray{record.Fqdn},
	}, pulumi.Provider(b.usEast1))
	if err != nil {
		return pulumi.StringOutput{}, err
	}
	return validation.CertificateArn, nil
}
