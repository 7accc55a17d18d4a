// Command buildtrigger starts the Flyway CodeBuild project whenever a new
// migration archive is uploaded to the artifacts bucket.
package main

import (
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/codebuild"

	"springboot-demo-infra/internal/buildtrigger"
	"springboot-demo-infra/internal/logging"
)

func main() {
	logger := logging.NewLambda(os.Stdout, "buildtrigger")

	sess := session.Must(session.NewSession())
	trigger, err := buildtrigger.FromEnv(codebuild.New(sess), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	lambda.Start(trigger.Handle)
}
