package stack

import (
	"strconv"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsecs"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsecspatterns"
	"github.com/aws/aws-cdk-go/awscdk/v2/awselasticloadbalancingv2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsssm"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"

	"springboot-demo-infra/config"
)

// ApplicationStackProps defines the properties for the application stack.
type ApplicationStackProps struct {
	awscdk.StackProps
	Config     *config.Config
	Foundation *FoundationStack
	Database   *DatabaseStack
}

// ApplicationStack runs the Spring Boot service on Fargate behind a public
// load balancer.
type ApplicationStack struct {
	awscdk.Stack
	Cluster awsecs.Cluster
	Service awsecspatterns.ApplicationLoadBalancedFargateService
}

// NewApplicationStack creates the application stack.
func NewApplicationStack(scope constructs.Construct, id string, props *ApplicationStackProps) *ApplicationStack {
	stack := awscdk.NewStack(scope, &id, &props.StackProps)
	cfg := props.Config
	f := props.Foundation
	svc := cfg.Service

	cluster := awsecs.NewCluster(stack, jsii.String("Cluster"), &awsecs.ClusterProps{
		Vpc:               f.Networking.Vpc,
		ContainerInsights: jsii.Bool(true),
	})
	awscdk.Tags_Of(cluster).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)
	cluster.ApplyRemovalPolicy(awscdk.RemovalPolicy_DESTROY)

	jdbcURL := awsssm.StringParameter_FromStringParameterName(stack, jsii.String("JdbcUrl"), jsii.String(f.Names.JdbcURL))
	appUser := props.Database.AppUserSecret

	service := awsecspatterns.NewApplicationLoadBalancedFargateService(stack, jsii.String("Application"), &awsecspatterns.ApplicationLoadBalancedFargateServiceProps{
		ServiceName:        jsii.String(cfg.AppName),
		Cluster:            cluster,
		Cpu:                jsii.Number(float64(svc.Cpu)),
		MemoryLimitMiB:     jsii.Number(float64(svc.MemoryMiB)),
		DesiredCount:       jsii.Number(float64(svc.DesiredCount)),
		PublicLoadBalancer: jsii.Bool(true),
		ListenerPort:       jsii.Number(float64(svc.ContainerPort)),
		TaskSubnets:        &awsec2.SubnetSelection{SubnetType: awsec2.SubnetType_PRIVATE_WITH_EGRESS},
		TaskImageOptions: &awsecspatterns.ApplicationLoadBalancedTaskImageOptions{
			Image:         awsecs.ContainerImage_FromEcrRepository(f.AppRepository.Repository, jsii.String(svc.ImageTag)),
			ContainerName: jsii.String(cfg.AppName),
			ContainerPort: jsii.Number(float64(svc.ContainerPort)),
			Environment: &map[string]*string{
				"SPRING_PROFILES_ACTIVE": jsii.String("aws"),
				"JAVA_TOOL_OPTIONS":      jsii.String(svc.JavaToolOptions),
			},
			Secrets: &map[string]awsecs.Secret{
				"SPRING_DATASOURCE_URL":      awsecs.Secret_FromSsmParameter(jdbcURL),
				"SPRING_DATASOURCE_USERNAME": awsecs.Secret_FromSecretsManager(appUser, jsii.String("username")),
				"SPRING_DATASOURCE_PASSWORD": awsecs.Secret_FromSecretsManager(appUser, jsii.String("password")),
			},
			LogDriver: awsecs.LogDrivers_AwsLogs(&awsecs.AwsLogDriverProps{
				StreamPrefix: jsii.String(cfg.AppName),
				LogGroup:     f.AppLogGroup,
			}),
		},
	})
	awscdk.Tags_Of(service).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	healthCheckPort := awsec2.Port_Tcp(jsii.Number(float64(svc.HealthCheckPort)))
	service.TargetGroup().ConfigureHealthCheck(&awselasticloadbalancingv2.HealthCheck{
		Path:                    jsii.String(svc.HealthCheckPath),
		Port:                    jsii.String(strconv.Itoa(svc.HealthCheckPort)),
		Protocol:                awselasticloadbalancingv2.Protocol_HTTP,
		HealthyHttpCodes:        jsii.String("200"),
		HealthyThresholdCount:   jsii.Number(2),
		UnhealthyThresholdCount: jsii.Number(3),
		Interval:                awscdk.Duration_Seconds(jsii.Number(30)),
	})
	service.Service().Connections().AllowFrom(service.LoadBalancer(), healthCheckPort, jsii.String("Health check from the load balancer"))

	// Rules are declared from the service side so that they land in this stack.
	service.Service().Connections().AllowTo(props.Database.Cluster,
		awsec2.Port_Tcp(jsii.Number(float64(cfg.Database.Port))), jsii.String("Allow ECS service to connect to RDS"))
	f.Networking.AddEgressToEndpoints(service.Service())

	taskRole := service.TaskDefinition().TaskRole()
	f.Key.GrantDecrypt(taskRole)
	f.AppRepository.Repository.GrantPull(taskRole)

	awscdk.NewCfnOutput(stack, jsii.String("LoadBalancerDNS"), &awscdk.CfnOutputProps{
		Value:       service.LoadBalancer().LoadBalancerDnsName(),
		Description: jsii.String("DNS name of the application load balancer"),
		ExportName:  jsii.String(StackPrefix(cfg.AppName) + "-LoadBalancer-DNS"),
	})

	return &ApplicationStack{
		Stack:   stack,
		Cluster: cluster,
		Service: service,
	}
}
