package main

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/jsii-runtime-go"

	"springboot-demo-infra/config"
	"springboot-demo-infra/internal/logging"
	"springboot-demo-infra/stack"
)

const configFile = "deploy.toml"

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)
	logger := logging.NewConsole("springboot-demo-infra")

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}
	cfg.ApplyContext(app.Node())
	cfg.ResolveRevision()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	stacks := Build(app, &cfg)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("revision", cfg.Revision).
		Str("migration", cfg.Migration.Mode).
		Int("stacks", len(stacks)).
		Msg("synthesizing")

	app.Synth(&awscdk.StageSynthesisOptions{
		ValidateOnSynthesis: jsii.Bool(true),
	})
}

// Build adds the stacks of the application to app, in deployment order.
func Build(app awscdk.App, cfg *config.Config) []awscdk.Stack {
	prefix := stack.StackPrefix(cfg.AppName)
	props := awscdk.StackProps{Env: env(cfg)}

	foundation := stack.NewFoundationStack(app, prefix+"FoundationStack", &stack.FoundationStackProps{
		StackProps: props,
		Config:     cfg,
	})
	database := stack.NewDatabaseStack(app, prefix+"AppDBStack", &stack.DatabaseStackProps{
		StackProps: props,
		Config:     cfg,
		Foundation: foundation,
	})
	database.AddDependency(foundation.Stack, jsii.String("Network, key and bucket"))

	application := stack.NewApplicationStack(app, prefix+"AppStack", &stack.ApplicationStackProps{
		StackProps: props,
		Config:     cfg,
		Foundation: foundation,
		Database:   database,
	})
	application.AddDependency(database.Stack, jsii.String("Migrated schema and JDBC parameters"))

	stacks := []awscdk.Stack{foundation.Stack, database.Stack, application.Stack}
	if cfg.Bastion.Enabled {
		bastion := stack.NewBastionStack(app, prefix+"BastionStack", &stack.BastionStackProps{
			StackProps: props,
			Config:     cfg,
			Foundation: foundation,
		})
		bastion.AddDependency(database.Stack, jsii.String("Database security group parameter"))
		stacks = append(stacks, bastion.Stack)
	}

	tags := awscdk.Tags_Of(app)
	tags.Add(jsii.String(stack.ApplicationTagKey), jsii.String(cfg.AppName), nil)
	tags.Add(jsii.String(stack.EnvironmentTagKey), jsii.String(cfg.Environment), nil)
	tags.Add(jsii.String(stack.RevisionTagKey), jsii.String(cfg.Revision), nil)

	return stacks
}

// env returns nil when neither account nor region is known, which keeps the
// stacks environment agnostic.
func env(cfg *config.Config) *awscdk.Environment {
	if cfg.Account == "" && cfg.Region == "" {
		return nil
	}
	e := &awscdk.Environment{}
	if cfg.Account != "" {
		e.Account = jsii.String(cfg.Account)
	}
	if cfg.Region != "" {
		e.Region = jsii.String(cfg.Region)
	}
	return e
}
