package stack

const (
	// DefaultResourceTagKey marks every resource created by this app.
	DefaultResourceTagKey = "ManagedBy"
	// DefaultResourceTagValue is the value of DefaultResourceTagKey.
	DefaultResourceTagValue = "springboot-demo-infra"

	// ApplicationTagKey and EnvironmentTagKey are applied app wide from config.
	ApplicationTagKey = "Application"
	EnvironmentTagKey = "Environment"
	// RevisionTagKey carries the git revision the stacks were synthesized from.
	RevisionTagKey = "Revision"

	// DefaultStackPrefix prefixes stack ids when the app name is the default.
	DefaultStackPrefix = "SpringBootDemo"

	// FlywayRepositoryName is the ECR repository holding the Flyway CI image.
	FlywayRepositoryName = "ci/flyway"

	// MigrationLogGroupName names the log group of the migration function.
	MigrationLogGroupName = "flyway-custom-resource"

	// HTTPSPort is used for every VPC endpoint rule.
	HTTPSPort = 443
)
