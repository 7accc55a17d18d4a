package stack

import (
	"fmt"
	"strings"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

// NetworkingProps configures the Networking construct.
type NetworkingProps struct {
	Names  ParamNames
	MaxAzs int
	// VpcID imports an existing VPC instead of creating one.
	VpcID string
}

// Networking holds the VPC of the application and the interface endpoints its
// private workloads use instead of internet egress.
type Networking struct {
	constructs.Construct
	Vpc                   awsec2.IVpc
	EndpointSecurityGroup awsec2.SecurityGroup
	Endpoints             []awsec2.InterfaceVpcEndpoint

	// SecretsManagerEndpoint is used by the secret rotation functions. Other
	// stacks import it with ImportSecretsManagerEndpoint.
	SecretsManagerEndpoint awsec2.InterfaceVpcEndpoint
}

// interfaceEndpointServices lists the AWS services reached from isolated subnets.
func interfaceEndpointServices() []awsec2.InterfaceVpcEndpointAwsService {
	return []awsec2.InterfaceVpcEndpointAwsService{
		awsec2.InterfaceVpcEndpointAwsService_CLOUDWATCH_LOGS(),
		awsec2.InterfaceVpcEndpointAwsService_CLOUDWATCH_MONITORING(),
		awsec2.InterfaceVpcEndpointAwsService_SSM(),
		awsec2.InterfaceVpcEndpointAwsService_SSM_MESSAGES(),
		awsec2.InterfaceVpcEndpointAwsService_EC2_MESSAGES(),
		awsec2.InterfaceVpcEndpointAwsService_SECRETS_MANAGER(),
		awsec2.InterfaceVpcEndpointAwsService_ECS(),
		awsec2.InterfaceVpcEndpointAwsService_ECR(),
		awsec2.InterfaceVpcEndpointAwsService_ECR_DOCKER(),
		awsec2.InterfaceVpcEndpointAwsService_CODEBUILD(),
		awsec2.InterfaceVpcEndpointAwsService_KMS(),
	}
}

// NewNetworking creates the VPC, its endpoints and their SSM parameters.
func NewNetworking(scope constructs.Construct, id string, props *NetworkingProps) *Networking {
	this := constructs.NewConstruct(scope, &id)

	var vpc awsec2.IVpc
	if props.VpcID != "" {
		vpc = LookupVpc(this, "Vpc", props.VpcID)
	} else {
		created := awsec2.NewVpc(this, jsii.String("Vpc"), &awsec2.VpcProps{
			MaxAzs:      jsii.Number(float64(props.MaxAzs)),
			NatGateways: jsii.Number(1),
			SubnetConfiguration: &[]*awsec2.SubnetConfiguration{
				{
					CidrMask:   jsii.Number(24),
					Name:       jsii.String("Public"),
					SubnetType: awsec2.SubnetType_PUBLIC,
				},
				{
					CidrMask:   jsii.Number(24),
					Name:       jsii.String("Private"),
					SubnetType: awsec2.SubnetType_PRIVATE_WITH_EGRESS,
				},
				{
					CidrMask:   jsii.Number(24),
					Name:       jsii.String("Isolated"),
					SubnetType: awsec2.SubnetType_PRIVATE_ISOLATED,
				},
			},
		})
		created.ApplyRemovalPolicy(awscdk.RemovalPolicy_DESTROY)
		vpc = created
	}
	awscdk.Tags_Of(vpc).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	vpc.AddGatewayEndpoint(jsii.String("S3Endpoint"), &awsec2.GatewayVpcEndpointOptions{
		Service: awsec2.GatewayVpcEndpointAwsService_S3(),
	})

	endpointSG := awsec2.NewSecurityGroup(this, jsii.String("EndpointSecurityGroup"), &awsec2.SecurityGroupProps{
		Vpc:              vpc,
		Description:      jsii.String("VPC interface endpoints"),
		AllowAllOutbound: jsii.Bool(false),
	})
	endpointSG.AddIngressRule(awsec2.Peer_Ipv4(vpc.VpcCidrBlock()), awsec2.Port_Tcp(jsii.Number(HTTPSPort)),
		jsii.String("HTTPS from within the VPC"), nil)
	awscdk.Tags_Of(endpointSG).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	n := &Networking{
		Construct:             this,
		Vpc:                   vpc,
		EndpointSecurityGroup: endpointSG,
	}
	for _, service := range interfaceEndpointServices() {
		endpoint := vpc.AddInterfaceEndpoint(jsii.String(endpointID(*service.Name())), &awsec2.InterfaceVpcEndpointOptions{
			Service:           service,
			PrivateDnsEnabled: jsii.Bool(true),
			SecurityGroups:    &[]awsec2.ISecurityGroup{endpointSG},
			Subnets:           &awsec2.SubnetSelection{SubnetType: awsec2.SubnetType_PRIVATE_ISOLATED},
			Open:              jsii.Bool(false),
		})
		n.Endpoints = append(n.Endpoints, endpoint)
		if *service.Name() == *awsec2.InterfaceVpcEndpointAwsService_SECRETS_MANAGER().Name() {
			n.SecretsManagerEndpoint = endpoint
		}
	}

	PutParameters(this, map[string]*string{
		props.Names.VpcID:                   vpc.VpcId(),
		props.Names.EndpointSecurityGroupID: endpointSG.SecurityGroupId(),
	})
	return n
}

// AddEgressToEndpoints lets conn reach every interface endpoint on 443.
func (n *Networking) AddEgressToEndpoints(conn awsec2.IConnectable) {
	for _, endpoint := range n.Endpoints {
		conn.Connections().AllowTo(endpoint, awsec2.Port_Tcp(jsii.Number(HTTPSPort)),
			jsii.String(fmt.Sprintf("to %s endpoint", *endpoint.Node().Id())))
	}
}

// endpointID turns com.amazonaws.<region>.ecr.dkr into DkrEndpoint.
func endpointID(serviceName string) string {
	last := serviceName[strings.LastIndex(serviceName, ".")+1:]
	return strings.ToUpper(last[:1]) + last[1:] + "Endpoint"
}

// ImportSecretsManagerEndpoint re-imports the Secrets Manager endpoint into
// scope, with its security group resolved from SSM. Rules added to the
// imported group stay in the stack of scope, so consumers in other stacks do
// not make this stack depend on them.
func (n *Networking) ImportSecretsManagerEndpoint(scope constructs.Construct, names ParamNames) awsec2.IInterfaceVpcEndpoint {
	sg := SecurityGroupFromParam(scope, "SecretsManagerEndpointSecurityGroup", names.EndpointSecurityGroupID)
	return awsec2.InterfaceVpcEndpoint_FromInterfaceVpcEndpointAttributes(scope, jsii.String("SecretsManagerEndpoint"),
		&awsec2.InterfaceVpcEndpointAttributes{
			VpcEndpointId:  n.SecretsManagerEndpoint.VpcEndpointId(),
			Port:           jsii.Number(HTTPSPort),
			SecurityGroups: &[]awsec2.ISecurityGroup{sg},
		})
}
