// Copyright 2024, Pulumi Corporation.  All rights reserved.

package exporterinfra

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/autoscaling"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecs"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/efs"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ssm"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/logging"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/settings"
)

// ecsAMIParameter holds the id of the current ECS-optimized Amazon Linux 2023 image.
const ecsAMIParameter = "/aws/service/ecs/optimized-ami/amazon-linux-2023/recommended/image_id"

// Cluster is the shared ECS cluster and whatever backs the tasks' persistent volumes.
type Cluster struct {
	Cluster  *ecs.Cluster
	Capacity settings.Capacity
	// CapacityProvider names the provider tasks are placed on.
	CapacityProvider string

	// Fargate only.
	FileSystem   *efs.FileSystem
	AccessPoints map[string]*efs.AccessPoint
	MountTargets []pulumi.Resource
}

// newCluster creates the cluster and its capacity. volumePaths are the persistent directories the
// tasks need; under ec2 capacity they are created on the instances, under fargate each gets an
// access point on a shared file system.
func (b *builder) newCluster(n *Network, volumePaths []string) (*Cluster, error) {
	name := b.name("cluster")
	cluster, err := ecs.NewCluster(b.ctx, "ApyExporterCluster", &ecs.ClusterArgs{
		Name: pulumi.String(name),
		Settings: ecs.ClusterSettingArray{
			&ecs.ClusterSettingArgs{
				Name:  pulumi.String("containerInsights"),
				Value: pulumi.String("enabled"),
			},
		},
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	c := &Cluster{Cluster: cluster, Capacity: b.settings.Capacity}

	switch b.settings.Capacity {
	case settings.Fargate:
		err = b.addFargateCapacity(c, n, volumePaths)
	case settings.EC2:
		err = b.addInstanceCapacity(c, n, name, volumePaths)
	default:
		err = fmt.Errorf("unknown capacity %q", b.settings.Capacity)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b *builder) addFargateCapacity(c *Cluster, n *Network, volumePaths []string) error {
	c.CapacityProvider = "FARGATE"
	_, err := ecs.NewClusterCapacityProviders(b.ctx, "ApyExporterClusterCapacity", &ecs.ClusterCapacityProvidersArgs{
		ClusterName:       c.Cluster.Name,
		CapacityProviders: pulumi.StringArray{pulumi.String("FARGATE"), pulumi.String("FARGATE_SPOT")},
		DefaultCapacityProviderStrategies: ecs.ClusterCapacityProvidersDefaultCapacityProviderStrategyArray{
			&ecs.ClusterCapacityProvidersDefaultCapacityProviderStrategyArgs{
				CapacityProvider: pulumi.String(c.CapacityProvider),
				Weight:           pulumi.Int(1),
			},
		},
	}, b.opts()...)
	if err != nil {
		return err
	}

	fsGroup, err := ec2.NewSecurityGroup(b.ctx, "ApyCacheFileSystemSecurityGroup", &ec2.SecurityGroupArgs{
		VpcId:       n.Vpc.ID().ToStringOutput(),
		Description: pulumi.String("yearn APY exporter cache file system"),
		Ingress: ec2.SecurityGroupIngressArray{
			&ec2.SecurityGroupIngressArgs{
				Protocol:       pulumi.String("tcp"),
				FromPort:       pulumi.Int(2049),
				ToPort:         pulumi.Int(2049),
				Self:           pulumi.Bool(true),
				SecurityGroups: pulumi.StringArray{n.TaskSecurityGroup.ID()},
			},
		},
		Egress: ec2.SecurityGroupEgressArray{
			&ec2.SecurityGroupEgressArgs{
				Protocol:   pulumi.String("-1"),
				FromPort:   pulumi.Int(0),
				ToPort:     pulumi.Int(0),
				CidrBlocks: pulumi.StringArray{pulumi.String("0.0.0.0/0")},
			},
		},
	}, b.opts()...)
	if err != nil {
		return err
	}

	c.FileSystem, err = efs.NewFileSystem(b.ctx, "ApyCacheFileSystem", &efs.FileSystemArgs{
		Encrypted:       pulumi.Bool(true),
		PerformanceMode: pulumi.String("generalPurpose"),
		LifecyclePolicies: efs.FileSystemLifecyclePolicyArray{
			&efs.FileSystemLifecyclePolicyArgs{TransitionToIa: pulumi.String("AFTER_14_DAYS")},
		},
		Tags: pulumi.StringMap{"Name": pulumi.String(b.name("cache"))},
	}, b.opts()...)
	if err != nil {
		return err
	}

	for i, subnet := range n.PrivateSubnets {
		mt, err := efs.NewMountTarget(b.ctx, fmt.Sprintf("ApyCacheFileSystemMount%d", i+1), &efs.MountTargetArgs{
			FileSystemId:   c.FileSystem.ID(),
			SubnetId:       subnet.ID(),
			SecurityGroups: pulumi.StringArray{fsGroup.ID()},
		}, b.opts()...)
		if err != nil {
			return err
		}
		c.MountTargets = append(c.MountTargets, mt)
	}

	c.AccessPoints = map[string]*efs.AccessPoint{}
	for _, p := range volumePaths {
		ap, err := efs.NewAccessPoint(b.ctx, "ApyCache"+accessPointName(p), &efs.AccessPointArgs{
			FileSystemId: c.FileSystem.ID(),
			PosixUser: &efs.AccessPointPosixUserArgs{
				Uid: pulumi.Int(0),
				Gid: pulumi.Int(0),
			},
			RootDirectory: &efs.AccessPointRootDirectoryArgs{
				Path: pulumi.String(p),
				CreationInfo: &efs.AccessPointRootDirectoryCreationInfoArgs{
					OwnerUid:    pulumi.Int(0),
					OwnerGid:    pulumi.Int(0),
					Permissions: pulumi.String("755"),
				},
			},
		}, b.opts()...)
		if err != nil {
			return err
		}
		c.AccessPoints[p] = ap
	}
	logging.V(5).Infof("created %d cache access points", len(c.AccessPoints))
	return nil
}

// accessPointName turns /data/ftm-main-brownie into DataFtmMainBrownie.
func accessPointName(p string) string {
	return strcase.ToCamel(strings.ReplaceAll(strings.Trim(p, "/"), "/", "-"))
}

func (b *builder) addInstanceCapacity(c *Cluster, n *Network, clusterName string, volumePaths []string) error {
	ami, err := ssm.LookupParameter(b.ctx, &ssm.LookupParameterArgs{
		Name: ecsAMIParameter,
	}, pulumi.Provider(b.provider))
	if err != nil {
		return fmt.Errorf("looking up the ECS-optimized image: %w", err)
	}

	role, err := iam.NewRole(b.ctx, "ApyExporterInstanceRole", &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("ec2.amazonaws.com")),
	}, b.opts()...)
	if err != nil {
		return err
	}
	for _, managed := range []struct{ name, arn string }{
		{"ApyExporterInstanceRoleEcs", "arn:aws:iam::aws:policy/service-role/AmazonEC2ContainerServiceforEC2Role"},
		{"ApyExporterInstanceRoleSsm", "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"},
	} {
		if _, err := iam.NewRolePolicyAttachment(b.ctx, managed.name, &iam.RolePolicyAttachmentArgs{
			Role:      role.Name,
			PolicyArn: pulumi.String(managed.arn),
		}, b.opts()...); err != nil {
			return err
		}
	}
	profile, err := iam.NewInstanceProfile(b.ctx, "ApyExporterInstanceProfile", &iam.InstanceProfileArgs{
		Role: role.Name,
	}, b.opts()...)
	if err != nil {
		return err
	}

	template, err := ec2.NewLaunchTemplate(b.ctx, "ApyExporterLaunchTemplate", &ec2.LaunchTemplateArgs{
		NamePrefix:   pulumi.String(b.name("instance") + "-"),
		ImageId:      pulumi.String(ami.Value),
		InstanceType: pulumi.String(b.settings.InstanceType),
		IamInstanceProfile: &ec2.LaunchTemplateIamInstanceProfileArgs{
			Arn: profile.Arn,
		},
		VpcSecurityGroupIds: pulumi.StringArray{n.TaskSecurityGroup.ID()},
		UserData:            pulumi.String(base64.StdEncoding.EncodeToString([]byte(instanceUserData(clusterName, volumePaths)))),
	}, b.opts()...)
	if err != nil {
		return err
	}

	count := b.settings.InstanceCount
	group, err := autoscaling.NewGroup(b.ctx, "ApyExporterInstances", &autoscaling.GroupArgs{
		MinSize:            pulumi.Int(count),
		MaxSize:            pulumi.Int(count),
		DesiredCapacity:    pulumi.Int(count),
		VpcZoneIdentifiers: n.PrivateSubnetIDs(),
		LaunchTemplate: &autoscaling.GroupLaunchTemplateArgs{
			Id:      template.ID().ToStringOutput(),
			Version: pulumi.String("$Latest"),
		},
		Tags: autoscaling.GroupTagArray{
			&autoscaling.GroupTagArgs{
				Key:               pulumi.String("AmazonECSManaged"),
				Value:             pulumi.String("true"),
				PropagateAtLaunch: pulumi.Bool(true),
			},
		},
	}, b.opts()...)
	if err != nil {
		return err
	}

	c.CapacityProvider = b.name("instances")
	provider, err := ecs.NewCapacityProvider(b.ctx, "ApyExporterCapacityProvider", &ecs.CapacityProviderArgs{
		Name: pulumi.String(c.CapacityProvider),
		AutoScalingGroupProvider: &ecs.CapacityProviderAutoScalingGroupProviderArgs{
			AutoScalingGroupArn:          group.Arn,
			ManagedTerminationProtection: pulumi.String("DISABLED"),
			ManagedScaling: &ecs.CapacityProviderAutoScalingGroupProviderManagedScalingArgs{
				Status:         pulumi.String("ENABLED"),
				TargetCapacity: pulumi.Int(100),
			},
		},
	}, b.opts()...)
	if err != nil {
		return err
	}
	_, err = ecs.NewClusterCapacityProviders(b.ctx, "ApyExporterClusterCapacity", &ecs.ClusterCapacityProvidersArgs{
		ClusterName:       c.Cluster.Name,
		CapacityProviders: pulumi.StringArray{provider.Name},
		DefaultCapacityProviderStrategies: ecs.ClusterCapacityProvidersDefaultCapacityProviderStrategyArray{
			&ecs.ClusterCapacityProvidersDefaultCapacityProviderStrategyArgs{
				CapacityProvider: provider.Name,
				Weight:           pulumi.Int(1),
			},
		},
	}, b.opts()...)
	return err
}

// instanceUserData joins the instance to the cluster and creates the host volume directories.
func instanceUserData(clusterName string, volumePaths []string) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&sb, "echo ECS_CLUSTER=%s >> /etc/ecs/ecs.config\n", clusterName)
	if len(volumePaths) > 0 {
		fmt.Fprintf(&sb, "mkdir -p %s\n", strings.Join(volumePaths, " "))
	}
	return sb.String()
}
