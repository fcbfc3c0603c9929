// Copyright 2024, Pulumi Corporation.  All rights reserved.

package exporterinfra

import (
	"fmt"
	"net/netip"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// subnetBits is how many bits each subnet adds to the VPC prefix; a /16 yields /20 subnets.
const subnetBits = 4

// Network is the VPC the cluster and its file system live in.
type Network struct {
	Vpc            *ec2.Vpc
	PublicSubnets  []*ec2.Subnet
	PrivateSubnets []*ec2.Subnet
	// TaskSecurityGroup is attached to every scheduled task.
	TaskSecurityGroup *ec2.SecurityGroup
}

// PrivateSubnetIDs returns the ids of the subnets tasks run in.
func (n *Network) PrivateSubnetIDs() pulumi.StringArray {
	ids := make(pulumi.StringArray, len(n.PrivateSubnets))
	for i, s := range n.PrivateSubnets {
		ids[i] = s.ID()
	}
	return ids
}

func (b *builder) availabilityZones() ([]string, error) {
	zones := b.settings.AvailabilityZones
	if len(zones) == 0 {
		res, err := aws.GetAvailabilityZones(b.ctx, &aws.GetAvailabilityZonesArgs{
			State: pulumi.StringRef("available"),
		}, pulumi.Provider(b.provider))
		if err != nil {
			return nil, fmt.Errorf("listing availability zones: %w", err)
		}
		zones = res.Names
	}
	if len(zones) < b.settings.MaxAzs {
		return nil, fmt.Errorf("need %d availability zones, found %d", b.settings.MaxAzs, len(zones))
	}
	return zones[:b.settings.MaxAzs], nil
}

// newNetwork lays out one public and one private subnet per availability zone. Private subnets
// reach the internet through a single NAT gateway in the first public subnet.
func (b *builder) newNetwork() (*Network, error) {
	base, err := netip.ParsePrefix(b.settings.VpcCidr)
	if err != nil {
		return nil, fmt.Errorf("vpcCidr: %w", err)
	}
	zones, err := b.availabilityZones()
	if err != nil {
		return nil, err
	}

	vpc, err := ec2.NewVpc(b.ctx, "VPC", &ec2.VpcArgs{
		CidrBlock:          pulumi.String(base.String()),
		EnableDnsHostnames: pulumi.Bool(true),
		EnableDnsSupport:   pulumi.Bool(true),
		Tags:               pulumi.StringMap{"Name": pulumi.String(b.name("vpc"))},
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	n := &Network{Vpc: vpc}

	igw, err := ec2.NewInternetGateway(b.ctx, "VPCInternetGateway", &ec2.InternetGatewayArgs{
		VpcId: vpc.ID().ToStringOutput(),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	publicRoutes, err := ec2.NewRouteTable(b.ctx, "VPCPublicRoutes", &ec2.RouteTableArgs{
		VpcId: vpc.ID(),
		Routes: ec2.RouteTableRouteArray{
			&ec2.RouteTableRouteArgs{
				CidrBlock: pulumi.String("0.0.0.0/0"),
				GatewayId: igw.ID().ToStringOutput(),
			},
		},
	}, b.opts()...)
	if err != nil {
		return nil, err
	}

	for i, zone := range zones {
		cidr, err := subnetCIDR(base, subnetBits, i)
		if err != nil {
			return nil, err
		}
		public, err := ec2.NewSubnet(b.ctx, fmt.Sprintf("VPCPublicSubnet%d", i+1), &ec2.SubnetArgs{
			VpcId:               vpc.ID(),
			CidrBlock:           pulumi.String(cidr.String()),
			AvailabilityZone:    pulumi.String(zone),
			MapPublicIpOnLaunch: pulumi.Bool(true),
			Tags:                pulumi.StringMap{"Name": pulumi.String(b.name(fmt.Sprintf("public-%d", i+1)))},
		}, b.opts()...)
		if err != nil {
			return nil, err
		}
		if _, err := ec2.NewRouteTableAssociation(b.ctx, fmt.Sprintf("VPCPublicSubnet%dRoutes", i+1), &ec2.RouteTableAssociationArgs{
			SubnetId:     public.ID().ToStringOutput(),
			RouteTableId: publicRoutes.ID(),
		}, b.opts()...); err != nil {
			return nil, err
		}
		n.PublicSubnets = append(n.PublicSubnets, public)
	}

	eip, err := ec2.NewEip(b.ctx, "VPCNatAddress", &ec2.EipArgs{
		Domain: pulumi.String("vpc"),
	}, b.opts()...)
	if err != nil {
		return nil, err
	}
	nat, err := ec2.NewNatGateway(b.ctx, "VPCNatGateway", &ec2.NatGatewayArgs{
		AllocationId: eip.ID().ToStringOutput(),
		SubnetId:     n.PublicSubnets[0].ID().ToStringOutput(),
	}, b.opts(pulumi.DependsOn([]pulumi.Resource{igw}))...)
	if err != nil {
		return nil, err
	}
	privateRoutes, err := ec2.NewRouteTable(b.ctx, "VPCPrivateRoutes", &ec2.RouteTableArgs{
		VpcId: vpc.ID(),
		Routes: ec2.RouteTableRouteArray{
			&ec2.RouteTableRouteArgs{
				CidrBlock:    pulumi.String("0.0.0.0/0"),
				NatGatewayId: nat.ID().ToStringOutput(),
			},
		},
	}, b.opts()...)
	if err != nil {
		return nil, err
	}

	for i, zone := range zones {
		// Private subnets take the upper half of the VPC range.
		cidr, err := subnetCIDR(base, subnetBits, (1<<(subnetBits-1))+i)
		if err != nil {
			return nil, err
		}
		private, err := ec2.NewSubnet(b.ctx, fmt.Sprintf("VPCPrivateSubnet%d", i+1), &ec2.SubnetArgs{
			VpcId:            vpc.ID(),
			CidrBlock:        pulumi.String(cidr.String()),
			AvailabilityZone: pulumi.String(zone),
			Tags:             pulumi.StringMap{"Name": pulumi.String(b.name(fmt.Sprintf("private-%d", i+1)))},
		}, b.opts()...)
		if err != nil {
			return nil, err
		}
		if _, err := ec2.NewRouteTableAssociation(b.ctx, fmt.Sprintf("VPCPrivateSubnet%dRoutes", i+1), &ec2.RouteTableAssociationArgs{
			SubnetId:     private.ID().ToStringOutput(),
			RouteTableId: privateRoutes.ID(),
		}, b.opts()...); err != nil {
			return nil, err
		}
		n.PrivateSubnets = append(n.PrivateSubnets, private)
	}

	n.TaskSecurityGroup, err = ec2.NewSecurityGroup(b.ctx, "ApyExporterTaskSecurityGroup", &ec2.SecurityGroupArgs{
		VpcId:       vpc.ID().ToStringOutput(),
		Description: pulumi.String("yearn APY exporter tasks"),
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
		return nil, err
	}
	return n, nil
}

// subnetCIDR returns the index-th subnet of base that is newBits longer than base.
func subnetCIDR(base netip.Prefix, newBits, index int) (netip.Prefix, error) {
	base = base.Masked()
	if !base.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("only IPv4 VPC ranges are supported, got %s", base)
	}
	bits := base.Bits() + newBits
	if bits > 28 {
		return netip.Prefix{}, fmt.Errorf("%s is too small to split into /%d subnets", base, bits)
	}
	if index < 0 || index >= 1<<newBits {
		return netip.Prefix{}, fmt.Errorf("subnet %d does not fit in %s", index, base)
	}
	a := base.Addr().As4()
	n := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	n += uint32(index) << (32 - bits)
	addr := netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	return netip.PrefixFrom(addr, bits), nil
}
