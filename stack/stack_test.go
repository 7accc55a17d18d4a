package stack

import (
	"testing"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/assertions"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/jsii-runtime-go"
	qt "github.com/frankban/quicktest"

	"springboot-demo-infra/config"
)

const (
	testAccount = "123456789012"
	testRegion  = "us-east-1"
)

// newTestApp returns an app that skips asset bundling, so that synthesis
// needs neither Docker nor a Go toolchain for the functions.
func newTestApp() awscdk.App {
	return awscdk.NewApp(&awscdk.AppProps{
		Context: &map[string]interface{}{
			"aws:cdk:bundling-stacks": []interface{}{},
		},
	})
}

func testConfig(c *qt.C, mutate func(*config.Config)) *config.Config {
	cfg, err := config.Load("")
	c.Assert(err, qt.IsNil)
	cfg.Account = testAccount
	cfg.Region = testRegion
	cfg.Revision = "git-test"
	if mutate != nil {
		mutate(&cfg)
	}
	c.Assert(cfg.Validate(), qt.IsNil)
	return &cfg
}

type testStacks struct {
	foundation  *FoundationStack
	database    *DatabaseStack
	application *ApplicationStack
	bastion     *BastionStack
}

func buildTestStacks(cfg *config.Config) testStacks {
	app := newTestApp()
	props := awscdk.StackProps{Env: &awscdk.Environment{
		Account: jsii.String(cfg.Account),
		Region:  jsii.String(cfg.Region),
	}}
	var s testStacks
	s.foundation = NewFoundationStack(app, "Foundation", &FoundationStackProps{StackProps: props, Config: cfg})
	s.database = NewDatabaseStack(app, "DB", &DatabaseStackProps{StackProps: props, Config: cfg, Foundation: s.foundation})
	s.database.AddDependency(s.foundation.Stack, nil)
	s.application = NewApplicationStack(app, "App", &ApplicationStackProps{
		StackProps: props,
		Config:     cfg,
		Foundation: s.foundation,
		Database:   s.database,
	})
	s.application.AddDependency(s.database.Stack, nil)
	if cfg.Bastion.Enabled {
		s.bastion = NewBastionStack(app, "Bastion", &BastionStackProps{StackProps: props, Config: cfg, Foundation: s.foundation})
		s.bastion.AddDependency(s.database.Stack, nil)
	}
	return s
}

func TestEcrRepoWithLifecycle(t *testing.T) {
	stack := awscdk.NewStack(newTestApp(), jsii.String("Repos"), nil)
	NewEcrRepoWithLifecycle(stack, "Plain", &EcrRepoProps{RepositoryName: "apps/demoapp"})
	NewEcrRepoWithLifecycle(stack, "Flyway", &EcrRepoProps{RepositoryName: "ci/flyway"}).WithCodeBuildPolicy()

	template := assertions.Template_FromStack(stack, nil)
	template.ResourceCountIs(jsii.String("AWS::ECR::Repository"), jsii.Number(2))
	template.HasResourceProperties(jsii.String("AWS::ECR::Repository"), map[string]interface{}{
		"RepositoryName": "apps/demoapp",
		"ImageScanningConfiguration": map[string]interface{}{
			"ScanOnPush": true,
		},
		"ImageTagMutability":   "MUTABLE",
		"RepositoryPolicyText": assertions.Match_Absent(),
	})
	template.HasResourceProperties(jsii.String("AWS::ECR::Repository"), map[string]interface{}{
		"RepositoryName": "ci/flyway",
		"RepositoryPolicyText": map[string]interface{}{
			"Statement": []interface{}{
				map[string]interface{}{
					"Action": []interface{}{
						"ecr:BatchCheckLayerAvailability",
						"ecr:BatchGetImage",
						"ecr:GetDownloadUrlForLayer",
					},
					"Effect":    "Allow",
					"Principal": map[string]interface{}{"Service": "codebuild.amazonaws.com"},
					"Sid":       "CodeBuildPull",
				},
			},
			"Version": "2012-10-17",
		},
	})
}

func TestFoundationStack(t *testing.T) {
	c := qt.New(t)
	cfg := testConfig(c, func(cfg *config.Config) {
		cfg.CI.GitHubRepos = []string{"example/springboot-demo"}
	})
	s := buildTestStacks(cfg)
	template := assertions.Template_FromStack(s.foundation.Stack, nil)

	template.HasResourceProperties(jsii.String("AWS::KMS::Key"), map[string]interface{}{
		"EnableKeyRotation": true,
	})
	template.HasResourceProperties(jsii.String("AWS::KMS::Alias"), map[string]interface{}{
		"AliasName": "alias/demoapp-key",
	})
	template.HasResourceProperties(jsii.String("AWS::S3::Bucket"), map[string]interface{}{
		"BucketName": "123456789012-artifacts-us-east-1",
		"PublicAccessBlockConfiguration": map[string]interface{}{
			"BlockPublicAcls":       true,
			"BlockPublicPolicy":     true,
			"IgnorePublicAcls":      true,
			"RestrictPublicBuckets": true,
		},
		"OwnershipControls": map[string]interface{}{
			"Rules": []interface{}{
				map[string]interface{}{"ObjectOwnership": "BucketOwnerPreferred"},
			},
		},
	})

	// Eleven interface endpoints and the S3 gateway.
	template.ResourceCountIs(jsii.String("AWS::EC2::VPCEndpoint"), jsii.Number(12))
	template.HasResourceProperties(jsii.String("AWS::EC2::VPCEndpoint"), map[string]interface{}{
		"ServiceName":       "com.amazonaws.us-east-1.secretsmanager",
		"VpcEndpointType":   "Interface",
		"PrivateDnsEnabled": true,
	})
	template.HasResourceProperties(jsii.String("AWS::EC2::SecurityGroup"), map[string]interface{}{
		"GroupDescription": "VPC interface endpoints",
		"SecurityGroupIngress": assertions.Match_ArrayWith(&[]interface{}{
			assertions.Match_ObjectLike(&map[string]interface{}{
				"FromPort":   HTTPSPort,
				"ToPort":     HTTPSPort,
				"IpProtocol": "tcp",
			}),
		}),
	})

	template.ResourceCountIs(jsii.String("AWS::ECR::Repository"), jsii.Number(2))
	template.HasResourceProperties(jsii.String("AWS::Logs::LogGroup"), map[string]interface{}{
		"LogGroupName":    "/application/demoapp",
		"RetentionInDays": 7,
	})
	template.HasResourceProperties(jsii.String("AWS::Logs::LogGroup"), map[string]interface{}{
		"LogGroupName": "/application/flyway-custom-resource",
	})
	template.HasResourceProperties(jsii.String("AWS::IAM::Role"), map[string]interface{}{
		"RoleName": "demoapp-dev-ci",
	})

	for _, name := range []string{
		"/env/vpc/demoapp/id",
		"/env/security-groups/postgres/vpc-endpoints/id",
		"/env/kms/demoapp/arn",
		"/env/kms/demoapp/id",
		"/env/s3/artifacts/arn",
		"/env/s3/artifacts/name",
		"/env/ecr/apps/demoapp",
		"/env/ecr/ci/flyway",
		"/env/logs/application/demoapp",
		"/env/logs/application/flyway-custom-resource",
	} {
		template.HasResourceProperties(jsii.String("AWS::SSM::Parameter"), map[string]interface{}{
			"Name": name,
			"Type": "String",
		})
	}
	template.HasOutput(jsii.String("AppRepositoryURI"), map[string]interface{}{
		"Export": map[string]interface{}{"Name": "SpringBootDemo-App-Repository-URI"},
	})
}

func TestFoundationStackWithoutCI(t *testing.T) {
	c := qt.New(t)
	s := buildTestStacks(testConfig(c, nil))
	c.Assert(s.foundation.CIRole, qt.IsNil)

	template := assertions.Template_FromStack(s.foundation.Stack, nil)
	roles := template.FindResources(jsii.String("AWS::IAM::Role"), map[string]interface{}{
		"Properties": map[string]interface{}{"RoleName": "demoapp-dev-ci"},
	})
	c.Assert(*roles, qt.HasLen, 0)
}

func TestDatabaseStackCustomResource(t *testing.T) {
	c := qt.New(t)
	s := buildTestStacks(testConfig(c, nil))
	c.Assert(s.database.Migration, qt.Not(qt.IsNil))
	c.Assert(s.database.Flyway, qt.IsNil)

	template := assertions.Template_FromStack(s.database.Stack, nil)
	template.HasResourceProperties(jsii.String("AWS::RDS::DBCluster"), map[string]interface{}{
		"Engine":                      "aurora-postgresql",
		"DatabaseName":                "demoapp",
		"Port":                        5432,
		"StorageEncrypted":            true,
		"DeletionProtection":          false,
		"EnableCloudwatchLogsExports": []interface{}{"postgresql"},
	})
	template.ResourceCountIs(jsii.String("AWS::RDS::DBInstance"), jsii.Number(2))
	template.HasResourceProperties(jsii.String("AWS::RDS::DBInstance"), map[string]interface{}{
		"DBInstanceClass": "db.t3.medium",
	})
	template.HasResourceProperties(jsii.String("AWS::RDS::DBClusterParameterGroup"), map[string]interface{}{
		"Parameters": map[string]interface{}{"rds.force_ssl": "1"},
	})
	template.HasResourceProperties(jsii.String("AWS::SecretsManager::Secret"), map[string]interface{}{
		"Name": "/secret/demoapp/dbadmin",
	})
	template.HasResourceProperties(jsii.String("AWS::SecretsManager::Secret"), map[string]interface{}{
		"Name": "/secret/demoapp/appuser",
	})
	template.ResourceCountIs(jsii.String("AWS::SecretsManager::RotationSchedule"), jsii.Number(2))

	template.ResourceCountIs(jsii.String(DBMigratorResourceType), jsii.Number(1))
	template.HasResourceProperties(jsii.String(DBMigratorResourceType), map[string]interface{}{
		"mixed": "true",
		"placeHolders": map[string]interface{}{
			"appUsername": "appuser",
			"dbName":      "demoapp",
			"schemaName":  "demoapp",
		},
		"secretPlaceHolders": map[string]interface{}{
			"appUserPassword": assertions.Match_AnyValue(),
		},
		"locations": assertions.Match_AnyValue(),
	})
	template.HasResourceProperties(jsii.String("AWS::Lambda::Function"), map[string]interface{}{
		"Runtime":       "provided.al2023",
		"Architectures": []interface{}{"arm64"},
		"MemorySize":    512,
		"Timeout":       600,
		"TracingConfig": map[string]interface{}{"Mode": "Active"},
		"EphemeralStorage": map[string]interface{}{
			"Size": 512,
		},
	})
	template.ResourceCountIs(jsii.String("AWS::CodeBuild::Project"), jsii.Number(0))

	for _, name := range []string{
		"/config/shared/jdbc/url",
		"/config/shared/jdbc/port",
		"/config/shared/jdbc/hostname",
		"/config/shared/jdbc/reader-hostname",
		"/config/shared/admin/username",
		"/env/security-groups/postgres/demoapp/id",
	} {
		template.HasResourceProperties(jsii.String("AWS::SSM::Parameter"), map[string]interface{}{
			"Name": name,
		})
	}
	template.HasResourceProperties(jsii.String("AWS::SSM::Parameter"), map[string]interface{}{
		"Name":  "/config/shared/jdbc/port",
		"Value": "5432",
	})
	template.HasOutput(jsii.String("AdminSecretARN"), map[string]interface{}{
		"Export": map[string]interface{}{"Name": "SpringBootDemo-DB-Admin-Secret-ARN"},
	})
}

func TestDatabaseStackCodeBuild(t *testing.T) {
	c := qt.New(t)
	s := buildTestStacks(testConfig(c, func(cfg *config.Config) {
		cfg.Migration.Mode = config.MigrationCodeBuild
	}))
	c.Assert(s.database.Migration, qt.IsNil)
	c.Assert(s.database.Flyway, qt.Not(qt.IsNil))

	template := assertions.Template_FromStack(s.database.Stack, nil)
	template.ResourceCountIs(jsii.String(DBMigratorResourceType), jsii.Number(0))
	template.HasResourceProperties(jsii.String("AWS::CodeBuild::Project"), map[string]interface{}{
		"Name": "demoapp-flyway",
		"Source": map[string]interface{}{
			"Type":     "S3",
			"Location": assertions.Match_AnyValue(),
		},
		"Environment": assertions.Match_ObjectLike(&map[string]interface{}{
			"ComputeType": "BUILD_GENERAL1_SMALL",
			"EnvironmentVariables": assertions.Match_ArrayWith(&[]interface{}{
				map[string]interface{}{
					"Name":  "FLYWAY_URL",
					"Type":  "PARAMETER_STORE",
					"Value": "/config/shared/jdbc/url",
				},
			}),
		}),
	})
	template.HasResourceProperties(jsii.String("AWS::CodeBuild::Project"), map[string]interface{}{
		"Environment": assertions.Match_ObjectLike(&map[string]interface{}{
			"EnvironmentVariables": assertions.Match_ArrayWith(&[]interface{}{
				map[string]interface{}{
					"Name":  "FLYWAY_LOCATIONS",
					"Type":  "PLAINTEXT",
					"Value": "filesystem:.",
				},
			}),
		}),
	})
	template.HasResourceProperties(jsii.String("AWS::Lambda::Function"), map[string]interface{}{
		"Environment": map[string]interface{}{
			"Variables": assertions.Match_ObjectLike(&map[string]interface{}{
				"TARGET_KEY": "data-jobs/data-migration.zip",
			}),
		},
	})
	template.ResourceCountIs(jsii.String("Custom::CDKBucketDeployment"), jsii.Number(1))
	template.HasResourceProperties(jsii.String("Custom::CDKBucketDeployment"), map[string]interface{}{
		"DestinationBucketKeyPrefix": "data-jobs",
		"Prune":                      false,
	})
	template.HasResourceProperties(jsii.String("AWS::SSM::Parameter"), map[string]interface{}{
		"Name": "/env/codebuild/flyway/name",
	})
}

func TestDatabaseStackBothMigrations(t *testing.T) {
	c := qt.New(t)
	s := buildTestStacks(testConfig(c, func(cfg *config.Config) {
		cfg.Migration.Mode = config.MigrationBoth
		mixed := false
		cfg.Migration.Mixed = &mixed
	}))
	template := assertions.Template_FromStack(s.database.Stack, nil)
	template.ResourceCountIs(jsii.String(DBMigratorResourceType), jsii.Number(1))
	template.ResourceCountIs(jsii.String("AWS::CodeBuild::Project"), jsii.Number(1))
	template.HasResourceProperties(jsii.String(DBMigratorResourceType), map[string]interface{}{
		"mixed": "false",
	})
}

func TestApplicationStack(t *testing.T) {
	c := qt.New(t)
	s := buildTestStacks(testConfig(c, nil))
	template := assertions.Template_FromStack(s.application.Stack, nil)

	template.HasResourceProperties(jsii.String("AWS::ECS::Cluster"), map[string]interface{}{
		"ClusterSettings": []interface{}{
			map[string]interface{}{"Name": "containerInsights", "Value": "enabled"},
		},
	})
	template.HasResourceProperties(jsii.String("AWS::ECS::Service"), map[string]interface{}{
		"ServiceName":  "demoapp",
		"DesiredCount": 1,
		"LaunchType":   "FARGATE",
	})
	template.HasResourceProperties(jsii.String("AWS::ECS::TaskDefinition"), map[string]interface{}{
		"Cpu":    "512",
		"Memory": "1024",
		"ContainerDefinitions": []interface{}{
			assertions.Match_ObjectLike(&map[string]interface{}{
				"Name": "demoapp",
				"PortMappings": []interface{}{
					assertions.Match_ObjectLike(&map[string]interface{}{"ContainerPort": 8080}),
				},
				"Environment": assertions.Match_ArrayWith(&[]interface{}{
					map[string]interface{}{"Name": "SPRING_PROFILES_ACTIVE", "Value": "aws"},
				}),
				"Secrets": assertions.Match_ArrayWith(&[]interface{}{
					assertions.Match_ObjectLike(&map[string]interface{}{"Name": "SPRING_DATASOURCE_URL"}),
				}),
			}),
		},
	})
	template.HasResourceProperties(jsii.String("AWS::ElasticLoadBalancingV2::LoadBalancer"), map[string]interface{}{
		"Scheme": "internet-facing",
	})
	template.HasResourceProperties(jsii.String("AWS::ElasticLoadBalancingV2::TargetGroup"), map[string]interface{}{
		"HealthCheckPath":     "/actuator/health/liveness",
		"HealthCheckPort":     "8081",
		"HealthCheckProtocol": "HTTP",
		"Matcher":             map[string]interface{}{"HttpCode": "200"},
	})
	template.HasResourceProperties(jsii.String("AWS::EC2::SecurityGroupIngress"), map[string]interface{}{
		"FromPort": 8081,
		"ToPort":   8081,
	})
	// The database ingress for the service lives with the service.
	template.HasResourceProperties(jsii.String("AWS::EC2::SecurityGroupIngress"), map[string]interface{}{
		"FromPort":    5432,
		"ToPort":      5432,
		"Description": "Allow ECS service to connect to RDS",
	})
	template.HasOutput(jsii.String("LoadBalancerDNS"), map[string]interface{}{
		"Export": map[string]interface{}{"Name": "SpringBootDemo-LoadBalancer-DNS"},
	})
}

func TestBastionStack(t *testing.T) {
	c := qt.New(t)
	s := buildTestStacks(testConfig(c, func(cfg *config.Config) {
		cfg.Bastion.Enabled = true
		cfg.Bastion.IngressCidrs = []string{"10.105.112.0/21"}
	}))
	c.Assert(s.bastion, qt.Not(qt.IsNil))

	template := assertions.Template_FromStack(s.bastion.Stack, nil)
	template.HasResourceProperties(jsii.String("AWS::EC2::Instance"), map[string]interface{}{
		"InstanceType": "t3.micro",
	})
	template.HasResourceProperties(jsii.String("AWS::EC2::SecurityGroup"), map[string]interface{}{
		"GroupDescription": "Bastion host",
		"SecurityGroupIngress": []interface{}{
			map[string]interface{}{
				"CidrIp":      "10.105.112.0/21",
				"Description": "SSH from 10.105.112.0/21",
				"FromPort":    22,
				"IpProtocol":  "tcp",
				"ToPort":      22,
			},
		},
	})
	template.HasResourceProperties(jsii.String("AWS::EC2::SecurityGroupIngress"), map[string]interface{}{
		"FromPort":    5432,
		"Description": "Allow access to the database",
	})
}

func TestParamImports(t *testing.T) {
	c := qt.New(t)
	stack := awscdk.NewStack(newTestApp(), jsii.String("Consumer"), &awscdk.StackProps{
		Env: &awscdk.Environment{Account: jsii.String(testAccount), Region: jsii.String(testRegion)},
	})
	names := NewParamNames("demoapp")

	role := awsiam.NewRole(stack, jsii.String("Consumer"), &awsiam.RoleProps{
		AssumedBy: awsiam.NewServicePrincipal(jsii.String("ecs-tasks.amazonaws.com"), nil),
	})
	KeyFromParam(stack, "Key", names.KmsKeyArn).GrantDecrypt(role)
	RepositoryFromParam(stack, "Repository", names.AppRepository).GrantPull(role)
	BucketFromParam(stack, "Bucket", names.ArtifactsBucketName).GrantRead(role, nil)

	sg := awsec2.NewSecurityGroup(stack, jsii.String("SecurityGroup"), &awsec2.SecurityGroupProps{
		Vpc:              awsec2.NewVpc(stack, jsii.String("Vpc"), &awsec2.VpcProps{MaxAzs: jsii.Number(1), NatGateways: jsii.Number(0)}),
		AllowAllOutbound: jsii.Bool(false),
	})
	peer := AllowToParamSecurityGroup(sg, names.PostgresSecurityGroupID, 5432, "to postgres")
	c.Assert(peer, qt.Not(qt.IsNil))

	template := assertions.Template_FromStack(stack, nil)
	for _, name := range []string{
		names.KmsKeyArn,
		names.AppRepository,
		names.ArtifactsBucketName,
		names.PostgresSecurityGroupID,
	} {
		template.HasParameter(jsii.String("*"), map[string]interface{}{
			"Type":    "AWS::SSM::Parameter::Value<String>",
			"Default": name,
		})
	}
	template.HasResourceProperties(jsii.String("AWS::EC2::SecurityGroupIngress"), map[string]interface{}{
		"FromPort":    5432,
		"ToPort":      5432,
		"Description": "to postgres",
	})
	template.HasResourceProperties(jsii.String("AWS::EC2::SecurityGroup"), map[string]interface{}{
		"SecurityGroupEgress": assertions.Match_ArrayWith(&[]interface{}{
			assertions.Match_ObjectLike(&map[string]interface{}{
				"FromPort":    5432,
				"Description": "to postgres",
			}),
		}),
	})
}
