package dbmigrator

import (
	"context"
	"encoding/json"
	"net"
	"net/url"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/juju/errors"
)

// SecretsClient is the part of the Secrets Manager API the migrator uses.
type SecretsClient interface {
	GetSecretValueWithContext(aws.Context, *secretsmanager.GetSecretValueInput, ...request.Option) (*secretsmanager.GetSecretValueOutput, error)
}

// DBSecret is the JSON document RDS keeps in a database secret.
type DBSecret struct {
	Engine   string      `json:"engine"`
	Host     string      `json:"host"`
	Username string      `json:"username"`
	Password string      `json:"password"`
	DBName   string      `json:"dbname"`
	Port     json.Number `json:"port"`
}

// GetSecret fetches and decodes the secret with the given name or ARN.
func GetSecret(ctx context.Context, client SecretsClient, id string) (DBSecret, error) {
	out, err := client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return DBSecret{}, errors.Annotatef(err, "getting secret %s", id)
	}
	if out.SecretString == nil {
		return DBSecret{}, errors.NotFoundf("string value of secret %s", id)
	}
	var s DBSecret
	if err := json.Unmarshal([]byte(*out.SecretString), &s); err != nil {
		return DBSecret{}, errors.Annotatef(err, "decoding secret %s", id)
	}
	return s, nil
}

// ConnString renders a pgx connection URL for the secret. TLS is required; the
// Lambda image carries no RDS CA bundle so the server certificate is not
// verified against one.
func (s DBSecret) ConnString() (string, error) {
	if s.Host == "" || s.Username == "" {
		return "", errors.NotValidf("secret without host or username")
	}
	port := s.Port.String()
	if port == "" {
		port = "5432"
	}
	dbname := s.DBName
	if dbname == "" {
		dbname = "postgres"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.Username, s.Password),
		Host:     net.JoinHostPort(s.Host, port),
		Path:     "/" + dbname,
		RawQuery: url.Values{"sslmode": {"require"}, "connect_timeout": {"10"}}.Encode(),
	}
	return u.String(), nil
}
