package stack

import (
	"fmt"
	"strings"
)

// EnvPath names an environment level parameter, such as a VPC id or a bucket name.
func EnvPath(context, name string) string {
	return fmt.Sprintf("/env/%s/%s", context, name)
}

// AppConfigPath names a non secret application configuration parameter.
func AppConfigPath(context, name string) string {
	return fmt.Sprintf("/config/%s/%s", context, name)
}

// AppSecretPath names an application secret.
func AppSecretPath(context, name string) string {
	return fmt.Sprintf("/secret/%s/%s", context, name)
}

// ParamNames is the catalog of SSM parameter and secret names of one
// application. Resources are published under these names for the application
// and for CI, and resolved through them where a direct reference would tie
// two stacks together.
type ParamNames struct {
	AppRepository    string
	FlywayRepository string
	FlywayProject    string

	VpcID string

	KmsKeyArn string
	KmsKeyID  string

	ArtifactsBucketArn  string
	ArtifactsBucketName string

	AppLogGroup       string
	MigrationLogGroup string

	PostgresSecurityGroupID string
	EndpointSecurityGroupID string

	AdminSecret   string
	AppUserSecret string

	JdbcURL            string
	JdbcPort           string
	JdbcHostname       string
	JdbcReaderHostname string
	AdminUsername      string
}

// NewParamNames returns the catalog for appName.
func NewParamNames(appName string) ParamNames {
	return ParamNames{
		AppRepository:    EnvPath("ecr", "apps/"+appName),
		FlywayRepository: EnvPath("ecr", FlywayRepositoryName),
		FlywayProject:    EnvPath("codebuild", "flyway/name"),

		VpcID: EnvPath("vpc", appName+"/id"),

		KmsKeyArn: EnvPath("kms", appName+"/arn"),
		KmsKeyID:  EnvPath("kms", appName+"/id"),

		ArtifactsBucketArn:  EnvPath("s3", "artifacts/arn"),
		ArtifactsBucketName: EnvPath("s3", "artifacts/name"),

		AppLogGroup:       EnvPath("logs", "application/"+appName),
		MigrationLogGroup: EnvPath("logs", "application/"+MigrationLogGroupName),

		PostgresSecurityGroupID: EnvPath("security-groups", "postgres/"+appName+"/id"),
		EndpointSecurityGroupID: EnvPath("security-groups", "postgres/vpc-endpoints/id"),

		AdminSecret:   AppSecretPath(appName, "dbadmin"),
		AppUserSecret: AppSecretPath(appName, "appuser"),

		JdbcURL:            AppConfigPath("shared", "jdbc/url"),
		JdbcPort:           AppConfigPath("shared", "jdbc/port"),
		JdbcHostname:       AppConfigPath("shared", "jdbc/hostname"),
		JdbcReaderHostname: AppConfigPath("shared", "jdbc/reader-hostname"),
		AdminUsername:      AppConfigPath("shared", "admin/username"),
	}
}

// ConstructID derives a construct id from a parameter path, so that
// /config/shared/jdbc/reader-hostname becomes ParamConfigSharedJdbcReaderHostname.
func ConstructID(paramName string) string {
	var b strings.Builder
	b.WriteString("Param")
	for _, part := range strings.FieldsFunc(paramName, func(r rune) bool {
		return r == '/' || r == '-' || r == '_' || r == '.'
	}) {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// JdbcURL renders the PostgreSQL JDBC url for a host:port socket address.
func JdbcURL(socketAddress, database string) string {
	return fmt.Sprintf("jdbc:postgresql://%s/%s", socketAddress, database)
}

// StackPrefix derives the stack id prefix from the application name.
func StackPrefix(appName string) string {
	if appName == "" || appName == "demoapp" {
		return DefaultStackPrefix
	}
	var b strings.Builder
	for _, part := range strings.FieldsFunc(appName, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == ' '
	}) {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
