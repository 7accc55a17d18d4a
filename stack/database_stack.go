package stack

import (
	"strconv"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsrds"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssecretsmanager"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"

	"springboot-demo-infra/config"
)

// DatabaseStackProps defines the properties for the database stack.
type DatabaseStackProps struct {
	awscdk.StackProps
	Config     *config.Config
	Foundation *FoundationStack
}

// DatabaseStack holds the Aurora PostgreSQL cluster, its secrets and the
// schema migration.
type DatabaseStack struct {
	awscdk.Stack
	Cluster       awsrds.DatabaseCluster
	SecurityGroup awsec2.SecurityGroup
	AdminSecret   awsrds.DatabaseSecret
	// AppUserSecret is attached to the cluster, so it carries host and port.
	AppUserSecret awssecretsmanager.ISecret
	// Migration is nil unless the custom resource migration is enabled.
	Migration *DBMigration
	// Flyway is nil unless the CodeBuild migration is enabled.
	Flyway *FlywayProject
}

// NewDatabaseStack creates the database stack.
func NewDatabaseStack(scope constructs.Construct, id string, props *DatabaseStackProps) *DatabaseStack {
	stack := awscdk.NewStack(scope, &id, &props.StackProps)
	cfg := props.Config
	f := props.Foundation
	names := f.Names
	vpc := f.Networking.Vpc
	isolated := &awsec2.SubnetSelection{SubnetType: awsec2.SubnetType_PRIVATE_ISOLATED}

	adminSecret := awsrds.NewDatabaseSecret(stack, jsii.String("AdminSecret"), &awsrds.DatabaseSecretProps{
		Username:      jsii.String(cfg.Database.AdminUsername),
		SecretName:    jsii.String(names.AdminSecret),
		EncryptionKey: f.Key,
	})
	appUserSecret := awsrds.NewDatabaseSecret(stack, jsii.String("AppUserSecret"), &awsrds.DatabaseSecretProps{
		Username:      jsii.String(cfg.Database.AppUsername),
		SecretName:    jsii.String(names.AppUserSecret),
		EncryptionKey: f.Key,
		MasterSecret:  adminSecret,
	})
	for _, secret := range []awsrds.DatabaseSecret{adminSecret, appUserSecret} {
		awscdk.Tags_Of(secret).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)
	}

	engine := awsrds.DatabaseClusterEngine_AuroraPostgres(&awsrds.AuroraPostgresClusterEngineProps{
		Version: awsrds.AuroraPostgresEngineVersion_VER_15_12(),
	})
	parameterGroup := awsrds.NewParameterGroup(stack, jsii.String("ParameterGroup"), &awsrds.ParameterGroupProps{
		Engine:      engine,
		Description: jsii.String("Aurora PostgreSQL 15 with TLS enforced"),
		Parameters: &map[string]*string{
			"rds.force_ssl": jsii.String("1"),
		},
	})

	sg := awsec2.NewSecurityGroup(stack, jsii.String("PostgresSecurityGroup"), &awsec2.SecurityGroupProps{
		Vpc:              vpc,
		Description:      jsii.String("Aurora PostgreSQL cluster"),
		AllowAllOutbound: jsii.Bool(false),
	})
	awscdk.Tags_Of(sg).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	instanceType := awsec2.NewInstanceType(jsii.String(cfg.Database.InstanceClass + "." + cfg.Database.InstanceSize))
	cluster := awsrds.NewDatabaseCluster(stack, jsii.String("Cluster"), &awsrds.DatabaseClusterProps{
		Engine: engine,
		Writer: awsrds.ClusterInstance_Provisioned(jsii.String("writer"), &awsrds.ProvisionedClusterInstanceProps{
			InstanceType:            instanceType,
			AutoMinorVersionUpgrade: jsii.Bool(true),
		}),
		Readers: &[]awsrds.IClusterInstance{
			awsrds.ClusterInstance_Provisioned(jsii.String("reader"), &awsrds.ProvisionedClusterInstanceProps{
				InstanceType:            instanceType,
				AutoMinorVersionUpgrade: jsii.Bool(true),
			}),
		},
		Vpc:                   vpc,
		VpcSubnets:            isolated,
		SecurityGroups:        &[]awsec2.ISecurityGroup{sg},
		Port:                  jsii.Number(float64(cfg.Database.Port)),
		DefaultDatabaseName:   jsii.String(cfg.Database.Name),
		Credentials:           awsrds.Credentials_FromSecret(adminSecret, nil),
		ParameterGroup:        parameterGroup,
		StorageEncrypted:      jsii.Bool(true),
		StorageEncryptionKey:  f.Key,
		DeletionProtection:    jsii.Bool(false),
		CloudwatchLogsExports: jsii.Strings("postgresql"),
		RemovalPolicy:         awscdk.RemovalPolicy_DESTROY,
	})
	awscdk.Tags_Of(cluster).Add(jsii.String(DefaultResourceTagKey), jsii.String(DefaultResourceTagValue), nil)

	attachedAppUser := appUserSecret.Attach(cluster)

	secretsEndpoint := f.Networking.ImportSecretsManagerEndpoint(stack, names)
	rotationEvery := awscdk.Duration_Days(jsii.Number(float64(cfg.Database.RotationDays)))
	cluster.AddRotationSingleUser(&awsrds.RotationSingleUserOptions{
		AutomaticallyAfter: rotationEvery,
		Endpoint:           secretsEndpoint,
		VpcSubnets:         isolated,
	})
	appUserRotation := cluster.AddRotationMultiUser(jsii.String("AppUserRotation"), &awsrds.RotationMultiUserOptions{
		Secret:             attachedAppUser,
		AutomaticallyAfter: rotationEvery,
		Endpoint:           secretsEndpoint,
		VpcSubnets:         isolated,
	})

	d := &DatabaseStack{
		Stack:         stack,
		Cluster:       cluster,
		SecurityGroup: sg,
		AdminSecret:   adminSecret,
		AppUserSecret: attachedAppUser,
	}

	placeholders := map[string]string{
		"appUsername": cfg.Database.AppUsername,
		"dbName":      cfg.Database.Name,
	}
	for k, v := range cfg.Migration.Placeholders {
		placeholders[k] = v
	}

	params := PutParameters(stack, map[string]*string{
		names.JdbcHostname:            cluster.ClusterEndpoint().Hostname(),
		names.JdbcReaderHostname:      cluster.ClusterReadEndpoint().Hostname(),
		names.JdbcPort:                jsii.String(strconv.Itoa(cfg.Database.Port)),
		names.JdbcURL:                 jsii.String(JdbcURL(*cluster.ClusterEndpoint().SocketAddress(), cfg.Database.Name)),
		names.AdminUsername:           jsii.String(cfg.Database.AdminUsername),
		names.PostgresSecurityGroupID: sg.SecurityGroupId(),
	})

	if cfg.UsesCustomResource() {
		d.Migration = NewDBMigration(stack, "DBMigration", &DBMigrationProps{
			Cluster:        cluster,
			Port:           cfg.Database.Port,
			MasterSecret:   adminSecret,
			Networking:     f.Networking,
			Key:            f.Key,
			LogGroup:       f.MigrationLogGroup,
			SqlPath:        cfg.Migration.SqlPath,
			Mixed:          cfg.MigrationMixed(),
			PlaceHolders:   placeholders,
			S3PrefixListID: cfg.S3PrefixListID,
			SecretPlaceHolders: map[string]awssecretsmanager.ISecret{
				"appUserPassword": attachedAppUser,
			},
		})
		// The application user is created by the migration; rotating it
		// earlier would fail.
		appUserRotation.Node().AddDependency(d.Migration)
	}
	if cfg.UsesCodeBuild() {
		d.Flyway = NewFlywayProject(stack, "Flyway", &FlywayProjectProps{
			AppName:        cfg.AppName,
			Names:          names,
			Networking:     f.Networking,
			Key:            f.Key,
			Repository:     f.FlywayRepository.Repository,
			ImageTag:       "latest",
			Cluster:        cluster,
			Port:           cfg.Database.Port,
			AdminSecret:    adminSecret,
			AppUserSecret:  attachedAppUser,
			SqlPath:        cfg.Migration.SqlPath,
			KeyPrefix:      cfg.Migration.KeyPrefix,
			FileName:       cfg.Migration.FileName,
			Mixed:          cfg.MigrationMixed(),
			Placeholders:   placeholders,
			S3PrefixListID: cfg.S3PrefixListID,
		})
		// Builds read the JDBC url from SSM.
		for _, param := range params {
			d.Flyway.Deployment.Node().AddDependency(param)
		}
	}

	prefix := StackPrefix(cfg.AppName)
	awscdk.NewCfnOutput(stack, jsii.String("ClusterEndpoint"), &awscdk.CfnOutputProps{
		Value:       cluster.ClusterEndpoint().SocketAddress(),
		Description: jsii.String("Aurora PostgreSQL writer endpoint"),
		ExportName:  jsii.String(prefix + "-DB-Cluster-Endpoint"),
	})
	awscdk.NewCfnOutput(stack, jsii.String("AdminSecretARN"), &awscdk.CfnOutputProps{
		Value:       adminSecret.SecretArn(),
		Description: jsii.String("Database admin credentials secret ARN"),
		ExportName:  jsii.String(prefix + "-DB-Admin-Secret-ARN"),
	})

	return d
}
