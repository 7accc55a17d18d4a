package stack

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awscodebuild"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsecr"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awskms"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslogs"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsrds"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3deployment"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3notifications"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssecretsmanager"
	"github.com/aws/aws-cdk-go/awscdklambdagoalpha/v2"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

// FlywayProjectProps configures FlywayProject.
type FlywayProjectProps struct {
	AppName    string
	Names      ParamNames
	Networking *Networking
	Key        awskms.IKey
	Repository awsecr.IRepository
	ImageTag   string

	Cluster       awsrds.IDatabaseCluster
	Port          int
	AdminSecret   awssecretsmanager.ISecret
	AppUserSecret awssecretsmanager.ISecret

	SqlPath      string
	KeyPrefix    string
	FileName     string
	Mixed        bool
	Placeholders map[string]string

	S3PrefixListID string
}

// FlywayProject runs Flyway in CodeBuild whenever a new archive of SQL scripts
// is uploaded to the artifacts bucket.
type FlywayProject struct {
	constructs.Construct
	Project       awscodebuild.Project
	SecurityGroup awsec2.SecurityGroup
	Trigger       awscdklambdagoalpha.GoFunction
	Deployment    awss3deployment.BucketDeployment
}

// TargetKey is the object key of the uploaded archive.
func (p *FlywayProjectProps) TargetKey() string {
	return p.KeyPrefix + "/" + p.FileName
}

// NewFlywayProject creates the project, its trigger and the upload of the scripts.
func NewFlywayProject(scope constructs.Construct, id string, props *FlywayProjectProps) *FlywayProject {
	this := constructs.NewConstruct(scope, &id)
	vpc := props.Networking.Vpc
	bucket := BucketFromParam(this, "ArtifactsBucket", props.Names.ArtifactsBucketName)

	sg := awsec2.NewSecurityGroup(this, jsii.String("ProjectSecurityGroup"), &awsec2.SecurityGroupProps{
		Vpc:              vpc,
		Description:      jsii.String("Security Group for the Flyway CodeBuild project"),
		AllowAllOutbound: jsii.Bool(false),
	})
	awscdk.Tags_Of(sg).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)
	props.Networking.AddEgressToEndpoints(sg)
	addS3Egress(sg, props.S3PrefixListID)
	props.Cluster.Connections().AllowFrom(sg, awsec2.Port_Tcp(jsii.Number(float64(props.Port))), jsii.String("Allow Flyway CodeBuild project"))

	logGroup := awslogs.NewLogGroup(this, jsii.String("LogGroup"), &awslogs.LogGroupProps{
		EncryptionKey: props.Key,
		Retention:     awslogs.RetentionDays_ONE_WEEK,
		RemovalPolicy: awscdk.RemovalPolicy_DESTROY,
	})

	project := awscodebuild.NewProject(this, jsii.String("Project"), &awscodebuild.ProjectProps{
		ProjectName:     jsii.String(props.AppName + "-flyway"),
		Description:     jsii.String("Applies the SQL migrations of the application with Flyway"),
		Vpc:             vpc,
		SubnetSelection: &awsec2.SubnetSelection{SubnetType: awsec2.SubnetType_PRIVATE_ISOLATED},
		SecurityGroups:  &[]awsec2.ISecurityGroup{sg},
		EncryptionKey:   props.Key,
		Logging: &awscodebuild.LoggingOptions{
			CloudWatch: &awscodebuild.CloudWatchLoggingOptions{
				Prefix:   jsii.String("flyway"),
				LogGroup: logGroup,
				Enabled:  jsii.Bool(true),
			},
		},
		Source: awscodebuild.Source_S3(&awscodebuild.S3SourceProps{
			Bucket: bucket,
			Path:   jsii.String(props.TargetKey()),
		}),
		Environment: &awscodebuild.BuildEnvironment{
			BuildImage:  awscodebuild.LinuxBuildImage_FromEcrRepository(props.Repository, jsii.String(props.ImageTag)),
			ComputeType: awscodebuild.ComputeType_SMALL,
			Privileged:  jsii.Bool(false),
			EnvironmentVariables: &map[string]*awscodebuild.BuildEnvironmentVariable{
				"FLYWAY_URL": {
					Type:  awscodebuild.BuildEnvironmentVariableType_PARAMETER_STORE,
					Value: jsii.String(props.Names.JdbcURL),
				},
				"FLYWAY_USER": {
					Type:  awscodebuild.BuildEnvironmentVariableType_SECRETS_MANAGER,
					Value: jsii.String(*props.AdminSecret.SecretArn() + ":username"),
				},
				"FLYWAY_PASSWORD": {
					Type:  awscodebuild.BuildEnvironmentVariableType_SECRETS_MANAGER,
					Value: jsii.String(*props.AdminSecret.SecretArn() + ":password"),
				},
				"APP_USER_PASSWORD": {
					Type:  awscodebuild.BuildEnvironmentVariableType_SECRETS_MANAGER,
					Value: jsii.String(*props.AppUserSecret.SecretArn() + ":password"),
				},
				"FLYWAY_BASELINE_ON_MIGRATE": {Value: jsii.String("true")},
				"FLYWAY_LOCATIONS":           {Value: jsii.String("filesystem:.")},
				"FLYWAY_MIXED":               {Value: jsii.String(fmt.Sprintf("%t", props.Mixed))},
			},
		},
		BuildSpec: awscodebuild.BuildSpec_FromObject(&map[string]interface{}{
			"version": "0.2",
			"phases": map[string]interface{}{
				"build": map[string]interface{}{
					"commands": []interface{}{flywayCommand(props.Placeholders)},
				},
			},
		}),
	})
	awscdk.Tags_Of(project).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	props.Key.GrantDecrypt(project)
	bucket.GrantRead(project, nil)
	props.AdminSecret.GrantRead(project, nil)
	props.AppUserSecret.GrantRead(project, nil)

	trigger := awscdklambdagoalpha.NewGoFunction(this, jsii.String("EventTrigger"), &awscdklambdagoalpha.GoFunctionProps{
		Description:  jsii.String("Starts the Flyway project when a new SQL archive is uploaded"),
		Entry:        jsii.String(filepath.Join(projectRoot(), "cmd", "buildtrigger")),
		ModuleDir:    jsii.String(projectRoot()),
		Runtime:      awslambda.Runtime_PROVIDED_AL2023(),
		Architecture: awslambda.Architecture_ARM_64(),
		Bundling: &awscdklambdagoalpha.BundlingOptions{
			GoBuildFlags: jsii.Strings(`-ldflags "-s -w"`),
		},
		Timeout: awscdk.Duration_Seconds(jsii.Number(30)),
		Environment: &map[string]*string{
			"PROJECT_NAME": project.ProjectName(),
			"TARGET_KEY":   jsii.String(props.TargetKey()),
			"LOG_LEVEL":    jsii.String("info"),
		},
		LoggingFormat: awslambda.LoggingFormat_JSON,
	})
	trigger.AddToRolePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Actions:   jsii.Strings("codebuild:StartBuild"),
		Resources: &[]*string{project.ProjectArn()},
	}))
	bucket.AddEventNotification(awss3.EventType_OBJECT_CREATED, awss3notifications.NewLambdaDestination(trigger),
		&awss3.NotificationKeyFilter{Prefix: jsii.String(props.KeyPrefix + "/")})

	sqlPath := resolvePath(props.SqlPath)
	deployment := awss3deployment.NewBucketDeployment(this, jsii.String("CopySQLData"), &awss3deployment.BucketDeploymentProps{
		Sources:              &[]awss3deployment.ISource{awss3deployment.Source_Asset(jsii.String(sqlPath), sqlArchiveAssetOptions(sqlPath, props.FileName))},
		DestinationBucket:    bucket,
		DestinationKeyPrefix: jsii.String(props.KeyPrefix),
		Prune:                jsii.Bool(false),
	})
	props.Key.GrantEncryptDecrypt(deployment.HandlerRole())
	// The first upload must find the notification in place.
	deployment.Node().AddDependency(bucket)

	PutParameters(this, map[string]*string{
		props.Names.FlywayProject: project.ProjectName(),
	})

	return &FlywayProject{
		Construct:     this,
		Project:       project,
		SecurityGroup: sg,
		Trigger:       trigger,
		Deployment:    deployment,
	}
}

// flywayCommand renders the migrate command. Connection settings come from the
// FLYWAY_* environment; the application user password is always available as a
// placeholder.
func flywayCommand(placeholders map[string]string) string {
	args := []string{"flyway", `-placeholders.appUserPassword="$APP_USER_PASSWORD"`}
	for _, name := range sortedKeys(placeholders) {
		args = append(args, fmt.Sprintf("-placeholders.%s=%q", name, placeholders[name]))
	}
	args = append(args, "migrate")
	return strings.Join(args, " ")
}
