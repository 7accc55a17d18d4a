package stack

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsecr"
	"github.com/aws/aws-cdk-go/awscdk/v2/awskms"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsssm"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

// PutParameters stores each value under its parameter name. Construct ids are
// derived from the names, so a name may only be put once per scope.
func PutParameters(scope constructs.Construct, params map[string]*string) []awsssm.StringParameter {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	created := make([]awsssm.StringParameter, 0, len(names))
	for _, name := range names {
		param := awsssm.NewStringParameter(scope, jsii.String(ConstructID(name)), &awsssm.StringParameterProps{
			ParameterName: jsii.String(name),
			StringValue:   params[name],
			Description:   jsii.String(fmt.Sprintf("Configuration parameter for %s", name)),
			Tier:          awsssm.ParameterTier_STANDARD,
		})
		awscdk.Tags_Of(param).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)
		created = append(created, param)
	}
	return created
}

// ParamValue resolves a parameter at deploy time.
func ParamValue(scope constructs.Construct, paramName string) *string {
	return awsssm.StringParameter_ValueForStringParameter(scope, jsii.String(paramName), nil)
}

// SecurityGroupFromParam imports the security group whose id is stored in paramName.
func SecurityGroupFromParam(scope constructs.Construct, id, paramName string) awsec2.ISecurityGroup {
	return awsec2.SecurityGroup_FromSecurityGroupId(scope, jsii.String(id), ParamValue(scope, paramName), &awsec2.SecurityGroupImportOptions{
		Mutable: jsii.Bool(true),
	})
}

// KeyFromParam imports the KMS key whose ARN is stored in paramName.
func KeyFromParam(scope constructs.Construct, id, paramName string) awskms.IKey {
	return awskms.Key_FromKeyArn(scope, jsii.String(id), ParamValue(scope, paramName))
}

// BucketFromParam imports the bucket whose name is stored in paramName.
func BucketFromParam(scope constructs.Construct, id, paramName string) awss3.IBucket {
	return awss3.Bucket_FromBucketName(scope, jsii.String(id), ParamValue(scope, paramName))
}

// RepositoryFromParam imports the ECR repository whose name is stored in paramName.
func RepositoryFromParam(scope constructs.Construct, id, paramName string) awsecr.IRepository {
	return awsecr.Repository_FromRepositoryName(scope, jsii.String(id), ParamValue(scope, paramName))
}

// AllowToParamSecurityGroup opens port from source to the security group
// stored in paramName, adding both the egress and the ingress rule.
func AllowToParamSecurityGroup(source awsec2.IConnectable, paramName string, port int, description string) awsec2.ISecurityGroup {
	scope := source.Connections().SecurityGroups()
	if scope == nil || len(*scope) == 0 {
		panic("AllowToParamSecurityGroup: source has no security group")
	}
	owner := (*scope)[0]
	target := SecurityGroupFromParam(owner, "Peer"+ConstructID(paramName), paramName)
	source.Connections().AllowTo(target, awsec2.Port_Tcp(jsii.Number(float64(port))), jsii.String(description))
	return target
}

// LookupVpc finds an existing VPC. The enclosing stack needs a concrete
// account and region.
func LookupVpc(scope constructs.Construct, id, vpcID string) awsec2.IVpc {
	return awsec2.Vpc_FromLookup(scope, jsii.String(id), &awsec2.VpcLookupOptions{
		VpcId: jsii.String(vpcID),
	})
}

func getThisFileDir() string {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		panic("unable to get current file path")
	}
	return filepath.Dir(filename)
}

// projectRoot is the directory holding go.mod.
func projectRoot() string {
	return filepath.Dir(getThisFileDir())
}

// resolvePath anchors a relative path at the project root.
func resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectRoot(), path)
}
