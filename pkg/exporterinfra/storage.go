// Copyright 2024, Pulumi Corporation.  All rights reserved.

package exporterinfra

import (
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudfront"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/s3"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Storage is the results bucket and the access settings that go with it.
type Storage struct {
	Bucket      *s3.BucketV2
	AccessBlock *s3.BucketPublicAccessBlock
}

func (b *builder) newStorage() (*Storage, error) {
	bucket, err := s3.NewBucketV2(b.ctx, "ApyExporterBucket", &s3.BucketV2Args{
		Bucket:       pulumi.String(b.settings.BucketName),
		ForceDestroy: pulumi.Bool(true),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}

	_, err = s3.NewBucketCorsConfigurationV2(b.ctx, "ApyExporterBucketCors", &s3.BucketCorsConfigurationV2Args{
		Bucket: bucket.ID(),
		CorsRules: s3.BucketCorsConfigurationV2CorsRuleArray{
			&s3.BucketCorsConfigurationV2CorsRuleArgs{
				AllowedMethods: pulumi.StringArray{pulumi.String("GET")},
				AllowedOrigins: pulumi.StringArray{pulumi.String("*")},
				AllowedHeaders: pulumi.StringArray{pulumi.String("*")},
			},
		},
	}, b.opts()...)
	if err != nil {
		return nil, err
	}

	blockPolicy := !b.settings.PublicRead()
	accessBlock, err := s3.NewBucketPublicAccessBlock(b.ctx, "ApyExporterBucketAccess", &s3.BucketPublicAccessBlockArgs{
		Bucket:                bucket.ID(),
		BlockPublicAcls:       pulumi.Bool(true),
		IgnorePublicAcls:      pulumi.Bool(true),
		BlockPublicPolicy:     pulumi.Bool(blockPolicy),
		RestrictPublicBuckets: pulumi.Bool(blockPolicy),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	return &Storage{Bucket: bucket, AccessBlock: accessBlock}, nil
}

// grantRead lets the distribution read the bucket and, in staging, everybody else too.
func (b *builder) grantRead(st *Storage, dist *cloudfront.Distribution) error {
	publicRead := b.settings.PublicRead()
	doc := policyOutput(func(args []interface{}) PolicyDocument {
		bucketArn, distArn := args[0].(string), args[1].(string)
		statements := []Statement{{
			Sid:       "AllowCloudFrontRead",
			Effect:    "Allow",
			Principal: map[string]string{"Service": "cloudfront.amazonaws.com"},
			Action:    []string{"s3:GetObject"},
			Resource:  []string{bucketArn + "/*"},
			Condition: map[string]map[string]string{"StringEquals": {"AWS:SourceArn": distArn}},
		}}
		if publicRead {
			statements = append(statements, Statement{
				Sid:       "AllowPublicRead",
				Effect:    "Allow",
				Principal: "*",
				Action:    []string{"s3:GetObject"},
				Resource:  []string{bucketArn + "/*"},
			})
		}
		return policy(statements...)
	}, st.Bucket.Arn, dist.Arn)

	_, err := s3.NewBucketPolicy(b.ctx, "ApyExporterBucketPolicy", &s3.BucketPolicyArgs{
		Bucket: st.Bucket.ID(),
		Policy: doc,
	}, b.opts(pulumi.DependsOn([]pulumi.Resource{st.AccessBlock}))...)
	return err
}
