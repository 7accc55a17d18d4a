// Package buildtrigger starts the Flyway CodeBuild project when the migration
// archive lands in the artifact bucket.
package buildtrigger

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/codebuild"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// Environment variables read by FromEnv.
const (
	EnvTargetKey   = "TARGET_KEY"
	EnvProjectName = "PROJECT_NAME"
)

// BuildClient is the part of the CodeBuild API the trigger uses.
type BuildClient interface {
	StartBuildWithContext(aws.Context, *codebuild.StartBuildInput, ...request.Option) (*codebuild.StartBuildOutput, error)
}

// Response is returned to the Lambda runtime.
type Response struct {
	StatusCode string `json:"statusCode"`
	Body       string `json:"body"`
}

type responseBody struct {
	Status string `json:"status"`
	Data   string `json:"data"`
}

// Trigger handles S3 object-created notifications.
type Trigger struct {
	Client      BuildClient
	TargetKey   string
	ProjectName string
	Logger      zerolog.Logger
}

// FromEnv builds a Trigger configured by TARGET_KEY and PROJECT_NAME.
func FromEnv(client BuildClient, logger zerolog.Logger) (*Trigger, error) {
	t := &Trigger{
		Client:      client,
		TargetKey:   os.Getenv(EnvTargetKey),
		ProjectName: os.Getenv(EnvProjectName),
		Logger:      logger,
	}
	if t.TargetKey == "" || t.ProjectName == "" {
		return nil, errors.NotValidf("environment without %s or %s", EnvTargetKey, EnvProjectName)
	}
	return t, nil
}

// Handle starts one build when any record refers to the target key. Other
// keys are ignored with an ok response.
func (t *Trigger) Handle(ctx context.Context, event events.S3Event) (Response, error) {
	logger := t.Logger
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		logger = logger.With().Str("request_id", lc.AwsRequestID).Logger()
	}

	var key string
	for _, record := range event.Records {
		key = record.S3.Object.URLDecodedKey
		if key == "" {
			key = record.S3.Object.Key
		}
		if key != t.TargetKey {
			continue
		}
		out, err := t.Client.StartBuildWithContext(ctx, &codebuild.StartBuildInput{
			ProjectName: aws.String(t.ProjectName),
		})
		if err != nil {
			return Response{}, errors.Annotatef(err, "starting build of %s", t.ProjectName)
		}
		id := ""
		if out.Build != nil {
			id = aws.StringValue(out.Build.Id)
		}
		logger.Info().Str("bucket", record.S3.Bucket.Name).Str("key", key).Str("buildId", id).Msg("started migration build")
		return respond("Started build " + id)
	}

	logger.Info().Str("key", key).Msg("bucket key did not match, ignoring")
	return respond("Ignoring path " + key)
}

func respond(data string) (Response, error) {
	body, err := json.Marshal(responseBody{Status: "ok", Data: data})
	if err != nil {
		return Response{}, errors.Trace(err)
	}
	return Response{StatusCode: "200", Body: string(body)}, nil
}
