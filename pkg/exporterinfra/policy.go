// Copyright 2024, Pulumi Corporation.  All rights reserved.

package exporterinfra

import (
	"encoding/json"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// PolicyDocument is an IAM policy document.
type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

type Statement struct {
	Sid       string                       `json:"Sid,omitempty"`
	Effect    string                       `json:"Effect"`
	Principal interface{}                  `json:"Principal,omitempty"`
	Action    []string                     `json:"Action"`
	Resource  []string                     `json:"Resource,omitempty"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

func allow(actions []string, resources ...string) Statement {
	return Statement{Effect: "Allow", Action: actions, Resource: resources}
}

func policy(statements ...Statement) PolicyDocument {
	return PolicyDocument{Version: "2012-10-17", Statement: statements}
}

func (d PolicyDocument) JSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// policyOutput renders a document whose resources are only known once inputs resolve.
func policyOutput(build func(args []interface{}) PolicyDocument, inputs ...interface{}) pulumi.StringOutput {
	return pulumi.All(inputs...).ApplyT(func(args []interface{}) (string, error) {
		return build(args).JSON()
	}).(pulumi.StringOutput)
}

// assumeRolePolicy lets the given AWS service assume a role.
func assumeRolePolicy(service string) string {
	doc, err := policy(Statement{
		Effect:    "Allow",
		Principal: map[string]string{"Service": service},
		Action:    []string{"sts:AssumeRole"},
	}).JSON()
	if err != nil {
		panic(err)
	}
	return doc
}

var (
	bucketReadActions  = []string{"s3:GetObject*", "s3:GetBucket*", "s3:List*"}
	bucketWriteActions = []string{"s3:DeleteObject*", "s3:PutObject", "s3:PutObjectLegalHold",
		"s3:PutObjectRetention", "s3:PutObjectTagging", "s3:PutObjectVersionTagging", "s3:Abort*"}
	registryPullActions = []string{"ecr:BatchCheckLayerAvailability", "ecr:GetDownloadUrlForLayer",
		"ecr:BatchGetImage"}
	registryPushActions = []string{"ecr:PutImage", "ecr:InitiateLayerUpload", "ecr:UploadLayerPart",
		"ecr:CompleteLayerUpload"}
)

// bucketReadWrite grants read and write on a bucket and its objects.
func bucketReadWrite(bucketArn string) []Statement {
	return []Statement{
		allow(bucketReadActions, bucketArn, bucketArn+"/*"),
		allow(bucketWriteActions, bucketArn, bucketArn+"/*"),
	}
}

// registryPullPush grants pulling and pushing images of one repository.
func registryPullPush(repositoryArn string) []Statement {
	return []Statement{
		allow(append(append([]string{}, registryPullActions...), registryPushActions...), repositoryArn),
		allow([]string{"ecr:GetAuthorizationToken"}, "*"),
	}
}
