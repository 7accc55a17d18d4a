package dbmigrator

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// PhysicalIDPrefix prefixes the physical id of every migrator resource.
const PhysicalIDPrefix = "DBMigrator-"

// MigrateFunc applies local migrations to the database behind connString.
type MigrateFunc func(ctx context.Context, connString string, local []Migration, opts Options) (Result, error)

// Handler serves Custom::DBMigrator events.
type Handler struct {
	Secrets SecretsClient
	Objects ObjectClient
	TmpDir  string
	Logger  zerolog.Logger
	Migrate MigrateFunc
}

// NewHandler returns a handler that migrates over a real pgx connection.
func NewHandler(secrets SecretsClient, objects ObjectClient, logger zerolog.Logger) *Handler {
	return &Handler{
		Secrets: secrets,
		Objects: objects,
		TmpDir:  os.TempDir(),
		Logger:  logger,
		Migrate: func(ctx context.Context, connString string, local []Migration, opts Options) (Result, error) {
			runner, err := Connect(ctx, connString, logger)
			if err != nil {
				return Result{}, errors.Trace(err)
			}
			defer func() {
				if err := runner.Close(context.WithoutCancel(ctx)); err != nil {
					logger.Warn().Err(err).Msg("closing database connection")
				}
			}()
			return runner.Migrate(ctx, local, opts)
		},
	}
}

// Handle is a cfn.CustomResourceFunction. Create and Update run the pending
// migrations; Delete leaves the database untouched.
func (h *Handler) Handle(ctx context.Context, event cfn.Event) (string, map[string]interface{}, error) {
	logger := h.Logger.With().
		Str("requestType", string(event.RequestType)).
		Str("logicalResourceId", event.LogicalResourceID).
		Logger()
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		logger = logger.With().Str("request_id", lc.AwsRequestID).Logger()
	}

	physicalID := event.PhysicalResourceID
	switch event.RequestType {
	case cfn.RequestDelete:
		logger.Info().Str("physicalResourceId", physicalID).Msg("nothing to do on delete")
		return physicalID, nil, nil
	case cfn.RequestCreate:
		physicalID = PhysicalIDPrefix + uuid.NewString()
	case cfn.RequestUpdate:
	default:
		return physicalID, nil, errors.NotSupportedf("request type %q", event.RequestType)
	}

	cfg, err := ParseResourceConfig(event.ResourceProperties)
	if err != nil {
		return physicalID, nil, errors.Trace(err)
	}

	result, err := h.run(ctx, logger, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("migration failed")
		return physicalID, nil, errors.Trace(err)
	}
	logger.Info().
		Int("migrationsPerformed", result.MigrationsPerformed).
		Str("targetVersion", result.TargetVersion).
		Msg("migration complete")

	return physicalID, map[string]interface{}{
		"Response":            strconv.FormatBool(result.Success),
		"MigrationsPerformed": strconv.Itoa(result.MigrationsPerformed),
		"TargetVersion":       result.TargetVersion,
	}, nil
}

func (h *Handler) run(ctx context.Context, logger zerolog.Logger, cfg ResourceConfig) (Result, error) {
	master, err := GetSecret(ctx, h.Secrets, cfg.MasterSecret)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	connString, err := master.ConnString()
	if err != nil {
		return Result{}, errors.Annotatef(err, "secret %s", cfg.MasterSecret)
	}

	placeholders := make(map[string]string, len(cfg.PlaceHolders)+len(cfg.SecretPlaceHolders))
	for k, v := range cfg.PlaceHolders {
		placeholders[k] = v
	}
	for k, id := range cfg.SecretPlaceHolders {
		s, err := GetSecret(ctx, h.Secrets, id)
		if err != nil {
			return Result{}, errors.Annotatef(err, "placeholder %s", k)
		}
		placeholders[k] = s.Password
	}

	workDir, err := os.MkdirTemp(h.TmpDir, "migrations-")
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	defer os.RemoveAll(workDir)

	for _, raw := range strings.Split(cfg.Locations, ",") {
		loc, err := ParseS3URL(strings.TrimSpace(raw))
		if err != nil {
			return Result{}, errors.Trace(err)
		}
		logger.Info().Str("bucket", loc.Bucket).Str("key", loc.Key).Msg("fetching migration scripts")
		if _, err := FetchScripts(ctx, h.Objects, loc, workDir); err != nil {
			return Result{}, errors.Trace(err)
		}
	}

	local, err := Load(workDir)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	logger.Info().Int("scripts", len(local)).Bool("mixed", cfg.Mixed).Msg("migrating database")

	return h.Migrate(ctx, connString, local, Options{
		Mixed:        cfg.Mixed,
		Placeholders: placeholders,
		InstalledBy:  master.Username,
	})
}
