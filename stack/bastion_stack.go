package stack

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"

	"springboot-demo-infra/config"
)

// BastionStackProps defines the properties for the bastion stack.
type BastionStackProps struct {
	awscdk.StackProps
	Config     *config.Config
	Foundation *FoundationStack
}

// BastionStack is an SSM managed host that can reach the database.
type BastionStack struct {
	awscdk.Stack
	Instance      awsec2.Instance
	SecurityGroup awsec2.SecurityGroup
}

// NewBastionStack creates the bastion stack. The database security group is
// resolved from SSM.
func NewBastionStack(scope constructs.Construct, id string, props *BastionStackProps) *BastionStack {
	stack := awscdk.NewStack(scope, &id, &props.StackProps)
	cfg := props.Config
	f := props.Foundation
	vpc := f.Networking.Vpc

	role := awsiam.NewRole(stack, jsii.String("InstanceRole"), &awsiam.RoleProps{
		AssumedBy: awsiam.NewServicePrincipal(jsii.String("ec2.amazonaws.com"), nil),
		ManagedPolicies: &[]awsiam.IManagedPolicy{
			awsiam.ManagedPolicy_FromAwsManagedPolicyName(jsii.String("AmazonSSMManagedInstanceCore")),
		},
	})
	awscdk.Tags_Of(role).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)
	role.ApplyRemovalPolicy(awscdk.RemovalPolicy_DESTROY)

	sg := awsec2.NewSecurityGroup(stack, jsii.String("InstanceSecurityGroup"), &awsec2.SecurityGroupProps{
		Vpc:              vpc,
		Description:      jsii.String("Bastion host"),
		AllowAllOutbound: jsii.Bool(false),
	})
	for _, cidr := range cfg.Bastion.IngressCidrs {
		sg.AddIngressRule(awsec2.Peer_Ipv4(jsii.String(cidr)), awsec2.Port_Tcp(jsii.Number(22)), jsii.String("SSH from "+cidr), nil)
	}
	awscdk.Tags_Of(sg).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	instance := awsec2.NewInstance(stack, jsii.String("Instance"), &awsec2.InstanceProps{
		Vpc:                       vpc,
		VpcSubnets:                &awsec2.SubnetSelection{SubnetType: awsec2.SubnetType_PRIVATE_ISOLATED},
		InstanceType:              awsec2.InstanceType_Of(awsec2.InstanceClass_T3, awsec2.InstanceSize_MICRO),
		MachineImage:              awsec2.MachineImage_LatestAmazonLinux2023(nil),
		Role:                      role,
		SecurityGroup:             sg,
		UserDataCausesReplacement: jsii.Bool(true),
	})
	awscdk.Tags_Of(instance).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	f.Networking.AddEgressToEndpoints(instance)
	AllowToParamSecurityGroup(instance, f.Names.PostgresSecurityGroupID, cfg.Database.Port, "Allow access to the database")

	return &BastionStack{
		Stack:         stack,
		Instance:      instance,
		SecurityGroup: sg,
	}
}
