package stack

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsecr"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

// EcrRepoProps configures EcrRepoWithLifecycle.
type EcrRepoProps struct {
	RepositoryName string
	// MaxImageCount caps untagged images. Defaults to 20.
	MaxImageCount int
	// MaxImageAge expires any image older than this many days. Defaults to 120.
	MaxImageAge int
}

// EcrRepoWithLifecycle is an image repository that scans on push and prunes
// old images.
type EcrRepoWithLifecycle struct {
	constructs.Construct
	Repository awsecr.Repository
}

// NewEcrRepoWithLifecycle creates the repository.
func NewEcrRepoWithLifecycle(scope constructs.Construct, id string, props *EcrRepoProps) *EcrRepoWithLifecycle {
	this := constructs.NewConstruct(scope, &id)

	maxCount := props.MaxImageCount
	if maxCount == 0 {
		maxCount = 20
	}
	maxAge := props.MaxImageAge
	if maxAge == 0 {
		maxAge = 120
	}

	repo := awsecr.NewRepository(this, jsii.String("Repository"), &awsecr.RepositoryProps{
		RepositoryName:     jsii.String(props.RepositoryName),
		ImageScanOnPush:    jsii.Bool(true),
		ImageTagMutability: awsecr.TagMutability_MUTABLE,
		RemovalPolicy:      awscdk.RemovalPolicy_DESTROY,
		EmptyOnDelete:      jsii.Bool(true),
		LifecycleRules: &[]*awsecr.LifecycleRule{
			{
				RulePriority:  jsii.Number(50),
				Description:   jsii.String("Keep a bounded number of untagged images"),
				TagStatus:     awsecr.TagStatus_UNTAGGED,
				MaxImageCount: jsii.Number(float64(maxCount)),
			},
			{
				RulePriority: jsii.Number(100),
				Description:  jsii.String("Expire old images"),
				TagStatus:    awsecr.TagStatus_ANY,
				MaxImageAge:  awscdk.Duration_Days(jsii.Number(float64(maxAge))),
			},
		},
	})
	awscdk.Tags_Of(repo).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	return &EcrRepoWithLifecycle{Construct: this, Repository: repo}
}

// WithCodeBuildPolicy lets CodeBuild projects pull images from the repository.
func (r *EcrRepoWithLifecycle) WithCodeBuildPolicy() *EcrRepoWithLifecycle {
	r.Repository.AddToResourcePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Sid:        jsii.String("CodeBuildPull"),
		Effect:     awsiam.Effect_ALLOW,
		Principals: &[]awsiam.IPrincipal{awsiam.NewServicePrincipal(jsii.String("codebuild.amazonaws.com"), nil)},
		Actions: jsii.Strings(
			"ecr:BatchCheckLayerAvailability",
			"ecr:BatchGetImage",
			"ecr:GetDownloadUrlForLayer",
		),
	}))
	return r
}
