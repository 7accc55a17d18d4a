// Command dbmigrator is the Lambda behind the Custom::DBMigrator resource. It
// applies the versioned SQL scripts of the application to its Postgres cluster.
package main

import (
	"os"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/secretsmanager"

	"springboot-demo-infra/internal/dbmigrator"
	"springboot-demo-infra/internal/logging"
)

func main() {
	logger := logging.NewLambda(os.Stdout, "dbmigrator")

	sess := session.Must(session.NewSession())
	handler := dbmigrator.NewHandler(secretsmanager.New(sess), s3.New(sess), logger)

	lambda.Start(cfn.LambdaWrap(handler.Handle))
}
