package stack

import (
	"fmt"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awskms"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslogs"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"

	"springboot-demo-infra/config"
)

// FoundationStackProps defines the properties for the foundation stack.
type FoundationStackProps struct {
	awscdk.StackProps
	Config *config.Config
}

// FoundationStack holds the long lived resources every other stack builds on:
// the VPC, the KMS key, the artifacts bucket, the image repositories and the
// log groups.
type FoundationStack struct {
	awscdk.Stack
	Names             ParamNames
	Key               awskms.Key
	Bucket            awss3.Bucket
	Networking        *Networking
	AppRepository     *EcrRepoWithLifecycle
	FlywayRepository  *EcrRepoWithLifecycle
	AppLogGroup       awslogs.LogGroup
	MigrationLogGroup awslogs.LogGroup
	// CIRole is nil unless CI repositories are configured.
	CIRole awsiam.Role
}

// NewFoundationStack creates the foundation stack.
func NewFoundationStack(scope constructs.Construct, id string, props *FoundationStackProps) *FoundationStack {
	stack := awscdk.NewStack(scope, &id, &props.StackProps)
	cfg := props.Config

	f := &FoundationStack{
		Stack: stack,
		Names: NewParamNames(cfg.AppName),
	}

	f.Key = createKey(stack, cfg.AppName)
	f.Bucket = createArtifactsBucket(stack, f.Key)
	f.Networking = NewNetworking(stack, "Networking", &NetworkingProps{
		Names:  f.Names,
		MaxAzs: cfg.MaxAzs,
		VpcID:  cfg.VpcID,
	})

	f.AppRepository = NewEcrRepoWithLifecycle(stack, "AppRepository", &EcrRepoProps{
		RepositoryName: "apps/" + cfg.AppName,
	})
	f.FlywayRepository = NewEcrRepoWithLifecycle(stack, "FlywayRepository", &EcrRepoProps{
		RepositoryName: FlywayRepositoryName,
	}).WithCodeBuildPolicy()

	f.AppLogGroup = createLogGroup(stack, "AppLogGroup", "/application/"+cfg.AppName, f.Key)
	f.MigrationLogGroup = createLogGroup(stack, "MigrationLogGroup", "/application/"+MigrationLogGroupName, f.Key)

	if len(cfg.CI.GitHubRepos) > 0 {
		f.CIRole = createCIRole(stack, cfg, f)
	}

	PutParameters(stack, map[string]*string{
		f.Names.KmsKeyArn:           f.Key.KeyArn(),
		f.Names.KmsKeyID:            f.Key.KeyId(),
		f.Names.ArtifactsBucketArn:  f.Bucket.BucketArn(),
		f.Names.ArtifactsBucketName: f.Bucket.BucketName(),
		f.Names.AppRepository:       f.AppRepository.Repository.RepositoryName(),
		f.Names.FlywayRepository:    f.FlywayRepository.Repository.RepositoryName(),
		f.Names.AppLogGroup:         f.AppLogGroup.LogGroupName(),
		f.Names.MigrationLogGroup:   f.MigrationLogGroup.LogGroupName(),
	})

	prefix := StackPrefix(cfg.AppName)
	awscdk.NewCfnOutput(stack, jsii.String("AppRepositoryURI"), &awscdk.CfnOutputProps{
		Value:       f.AppRepository.Repository.RepositoryUri(),
		Description: jsii.String("ECR Repository URI for the application container image"),
		ExportName:  jsii.String(prefix + "-App-Repository-URI"),
	})
	awscdk.NewCfnOutput(stack, jsii.String("FlywayRepositoryURI"), &awscdk.CfnOutputProps{
		Value:       f.FlywayRepository.Repository.RepositoryUri(),
		Description: jsii.String("ECR Repository URI for the Flyway CI image"),
		ExportName:  jsii.String(prefix + "-Flyway-Repository-URI"),
	})
	awscdk.NewCfnOutput(stack, jsii.String("ArtifactsBucketName"), &awscdk.CfnOutputProps{
		Value:       f.Bucket.BucketName(),
		Description: jsii.String("S3 Bucket Name for build and migration artifacts"),
		ExportName:  jsii.String(prefix + "-Artifacts-Bucket-Name"),
	})
	if f.CIRole != nil {
		awscdk.NewCfnOutput(stack, jsii.String("CIRoleARN"), &awscdk.CfnOutputProps{
			Value:       f.CIRole.RoleArn(),
			Description: jsii.String("Role assumed by CI to publish images"),
			ExportName:  jsii.String(prefix + "-CI-Role-ARN"),
		})
	}

	return f
}

// createKey creates the application key. CloudWatch Logs may use it for the
// log groups of this account and region.
func createKey(stack awscdk.Stack, appName string) awskms.Key {
	key := awskms.NewKey(stack, jsii.String("Key"), &awskms.KeyProps{
		Alias:             jsii.String(fmt.Sprintf("alias/%s-key", appName)),
		Description:       jsii.String(fmt.Sprintf("Encryption key for %s", appName)),
		EnableKeyRotation: jsii.Bool(true),
		RemovalPolicy:     awscdk.RemovalPolicy_DESTROY,
	})
	key.AddToResourcePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Sid:        jsii.String("AllowCloudWatchLogs"),
		Effect:     awsiam.Effect_ALLOW,
		Principals: &[]awsiam.IPrincipal{awsiam.NewServicePrincipal(jsii.String(fmt.Sprintf("logs.%s.amazonaws.com", *stack.Region())), nil)},
		Actions: jsii.Strings(
			"kms:Encrypt*",
			"kms:Decrypt*",
			"kms:ReEncrypt*",
			"kms:GenerateDataKey*",
			"kms:Describe*",
		),
		Resources: jsii.Strings("*"),
		Conditions: &map[string]interface{}{
			"ArnLike": map[string]interface{}{
				"kms:EncryptionContext:aws:logs:arn": fmt.Sprintf("arn:aws:logs:%s:%s:*", *stack.Region(), *stack.Account()),
			},
		},
	}), nil)
	awscdk.Tags_Of(key).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)
	return key
}

// createArtifactsBucket creates the bucket holding build and migration artifacts.
func createArtifactsBucket(stack awscdk.Stack, key awskms.IKey) awss3.Bucket {
	bucketName := fmt.Sprintf("%s-artifacts-%s", *stack.Account(), *stack.Region())
	bucket := awss3.NewBucket(stack, jsii.String("ArtifactsBucket"), &awss3.BucketProps{
		BucketName:        jsii.String(bucketName),
		Encryption:        awss3.BucketEncryption_KMS,
		EncryptionKey:     key,
		BucketKeyEnabled:  jsii.Bool(true),
		EnforceSSL:        jsii.Bool(true),
		BlockPublicAccess: awss3.BlockPublicAccess_BLOCK_ALL(),
		ObjectOwnership:   awss3.ObjectOwnership_BUCKET_OWNER_PREFERRED,
		RemovalPolicy:     awscdk.RemovalPolicy_DESTROY,
		AutoDeleteObjects: jsii.Bool(true),
		LifecycleRules: &[]*awss3.LifecycleRule{
			{
				Id: jsii.String("Tiering"),
				Transitions: &[]*awss3.Transition{
					{
						StorageClass:    awss3.StorageClass_INFREQUENT_ACCESS(),
						TransitionAfter: awscdk.Duration_Days(jsii.Number(30)),
					},
					{
						StorageClass:    awss3.StorageClass_GLACIER(),
						TransitionAfter: awscdk.Duration_Days(jsii.Number(90)),
					},
				},
			},
		},
	})
	awscdk.Tags_Of(bucket).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)
	return bucket
}

func createLogGroup(stack awscdk.Stack, id, name string, key awskms.IKey) awslogs.LogGroup {
	logGroup := awslogs.NewLogGroup(stack, jsii.String(id), &awslogs.LogGroupProps{
		LogGroupName:  jsii.String(name),
		EncryptionKey: key,
		Retention:     awslogs.RetentionDays_ONE_WEEK,
		RemovalPolicy: awscdk.RemovalPolicy_DESTROY,
	})
	awscdk.Tags_Of(logGroup).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)
	return logGroup
}

// createCIRole creates the role GitHub Actions assumes to publish images.
// The OIDC provider is created outside of this app.
func createCIRole(stack awscdk.Stack, cfg *config.Config, f *FoundationStack) awsiam.Role {
	subjects := make([]interface{}, len(cfg.CI.GitHubRepos))
	for i, repo := range cfg.CI.GitHubRepos {
		subjects[i] = fmt.Sprintf("repo:%s:*", repo)
	}

	role := awsiam.NewRole(stack, jsii.String("CIRole"), &awsiam.RoleProps{
		RoleName: jsii.String(fmt.Sprintf("%s-%s-ci", cfg.AppName, cfg.Environment)),
		AssumedBy: awsiam.NewWebIdentityPrincipal(
			jsii.String(fmt.Sprintf("arn:aws:iam::%s:oidc-provider/token.actions.githubusercontent.com", *stack.Account())),
			&map[string]interface{}{
				"StringEquals": map[string]interface{}{
					"token.actions.githubusercontent.com:aud": "sts.amazonaws.com",
				},
				"StringLike": map[string]interface{}{
					"token.actions.githubusercontent.com:sub": subjects,
				},
			},
		),
		InlinePolicies: &map[string]awsiam.PolicyDocument{
			"ParameterStoreAccessPolicy": awsiam.NewPolicyDocument(&awsiam.PolicyDocumentProps{
				Statements: &[]awsiam.PolicyStatement{
					awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
						Actions: jsii.Strings(
							"ssm:GetParameter",
							"ssm:GetParameters",
							"ssm:GetParametersByPath",
						),
						Resources: jsii.Strings(
							fmt.Sprintf("arn:aws:ssm:%s:%s:parameter/config/*", *stack.Region(), *stack.Account()),
							fmt.Sprintf("arn:aws:ssm:%s:%s:parameter/env/*", *stack.Region(), *stack.Account()),
						),
					}),
				},
			}),
		},
	})
	f.AppRepository.Repository.GrantPullPush(role)
	f.FlywayRepository.Repository.GrantPullPush(role)
	f.Bucket.GrantReadWrite(role, nil)
	awscdk.Tags_Of(role).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	role.ApplyRemovalPolicy(awscdk.RemovalPolicy_DESTROY)

	return role
}
