package stack

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awskms"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslogs"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsrds"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3assets"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssecretsmanager"
	"github.com/aws/aws-cdk-go/awscdklambdagoalpha/v2"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

// DBMigratorResourceType is the CloudFormation type of the migration resource.
const DBMigratorResourceType = "Custom::DBMigrator"

// DBMigrationProps configures DBMigration.
type DBMigrationProps struct {
	Cluster      awsrds.DatabaseCluster
	Port         int
	MasterSecret awssecretsmanager.ISecret
	Networking   *Networking
	Key          awskms.IKey
	LogGroup     awslogs.ILogGroup
	// SqlPath is the directory holding the V<version>__<description>.sql scripts.
	SqlPath string
	Mixed   bool
	// PlaceHolders are substituted into the scripts as ${name}.
	PlaceHolders map[string]string
	// SecretPlaceHolders are substituted with the password of the secret.
	SecretPlaceHolders map[string]awssecretsmanager.ISecret
	S3PrefixListID     string
}

// DBMigration applies the SQL scripts to the cluster on every deployment that
// changes them, through a custom resource backed by a Go Lambda.
type DBMigration struct {
	constructs.Construct
	SecurityGroup awsec2.SecurityGroup
	Function      awscdklambdagoalpha.GoFunction
	Scripts       awss3assets.Asset
	Resource      awscdk.CustomResource
}

// NewDBMigration creates the migration function and its custom resource. The
// resource waits for the cluster and its instances.
func NewDBMigration(scope constructs.Construct, id string, props *DBMigrationProps) *DBMigration {
	this := constructs.NewConstruct(scope, &id)
	vpc := props.Networking.Vpc

	sg := awsec2.NewSecurityGroup(this, jsii.String("SecurityGroup"), &awsec2.SecurityGroupProps{
		Vpc:              vpc,
		Description:      jsii.String("Database migration function"),
		AllowAllOutbound: jsii.Bool(false),
	})
	awscdk.Tags_Of(sg).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)
	props.Networking.AddEgressToEndpoints(sg)
	addS3Egress(sg, props.S3PrefixListID)
	props.Cluster.Connections().AllowFrom(sg, awsec2.Port_Tcp(jsii.Number(float64(props.Port))), jsii.String("Allow DB migration lambda"))

	scripts := awss3assets.NewAsset(this, jsii.String("Scripts"), &awss3assets.AssetProps{
		Path: jsii.String(resolvePath(props.SqlPath)),
	})

	fn := awscdklambdagoalpha.NewGoFunction(this, jsii.String("Function"), &awscdklambdagoalpha.GoFunctionProps{
		Description:  jsii.String("Applies versioned SQL migrations to the application database"),
		Entry:        jsii.String(filepath.Join(projectRoot(), "cmd", "dbmigrator")),
		ModuleDir:    jsii.String(projectRoot()),
		Runtime:      awslambda.Runtime_PROVIDED_AL2023(),
		Architecture: awslambda.Architecture_ARM_64(),
		Bundling: &awscdklambdagoalpha.BundlingOptions{
			GoBuildFlags: jsii.Strings(`-ldflags "-s -w"`),
		},
		Vpc:                   vpc,
		VpcSubnets:            &awsec2.SubnetSelection{SubnetType: awsec2.SubnetType_PRIVATE_ISOLATED},
		SecurityGroups:        &[]awsec2.ISecurityGroup{sg},
		MemorySize:            jsii.Number(512),
		EphemeralStorageSize:  awscdk.Size_Mebibytes(jsii.Number(512)),
		Timeout:               awscdk.Duration_Minutes(jsii.Number(10)),
		EnvironmentEncryption: props.Key,
		Environment: &map[string]*string{
			"LOG_LEVEL": jsii.String("info"),
		},
		Tracing:       awslambda.Tracing_ACTIVE,
		LoggingFormat: awslambda.LoggingFormat_JSON,
		LogGroup:      props.LogGroup,
	})
	awscdk.Tags_Of(fn).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	props.Key.GrantEncryptDecrypt(fn)
	props.MasterSecret.GrantRead(fn, nil)
	scripts.GrantRead(fn)

	secretPlaceHolders := map[string]interface{}{}
	for _, name := range sortedKeys(props.SecretPlaceHolders) {
		secret := props.SecretPlaceHolders[name]
		secret.GrantRead(fn, nil)
		secretPlaceHolders[name] = secret.SecretArn()
	}
	placeHolders := map[string]interface{}{}
	for name, value := range props.PlaceHolders {
		placeHolders[name] = value
	}

	resource := awscdk.NewCustomResource(this, jsii.String("Resource"), &awscdk.CustomResourceProps{
		ServiceToken: fn.FunctionArn(),
		ResourceType: jsii.String(DBMigratorResourceType),
		Properties: &map[string]interface{}{
			"masterSecret":       props.MasterSecret.SecretArn(),
			"locations":          jsii.String(fmt.Sprintf("s3://%s/%s", *scripts.S3BucketName(), *scripts.S3ObjectKey())),
			"mixed":              strconv.FormatBool(props.Mixed),
			"placeHolders":       placeHolders,
			"secretPlaceHolders": secretPlaceHolders,
			"scriptsHash":        scripts.AssetHash(),
		},
	})
	resource.Node().AddDependency(props.Cluster)

	return &DBMigration{
		Construct:     this,
		SecurityGroup: sg,
		Function:      fn,
		Scripts:       scripts,
		Resource:      resource,
	}
}

// Response reports whether the last migration run succeeded.
func (m *DBMigration) Response() *string {
	return m.Resource.GetAttString(jsii.String("Response"))
}

// addS3Egress lets sg reach S3 through the gateway endpoint when the prefix
// list is known, and any HTTPS destination otherwise.
func addS3Egress(sg awsec2.SecurityGroup, prefixListID string) {
	if prefixListID != "" {
		sg.AddEgressRule(awsec2.Peer_PrefixList(jsii.String(prefixListID)), awsec2.Port_Tcp(jsii.Number(HTTPSPort)),
			jsii.String("to S3 gateway endpoint"), nil)
		return
	}
	sg.AddEgressRule(awsec2.Peer_AnyIpv4(), awsec2.Port_Tcp(jsii.Number(HTTPSPort)), jsii.String("HTTPS to S3"), nil)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
