package dbmigrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// ResourceConfig holds the properties of a Custom::DBMigrator resource.
// CloudFormation delivers every scalar as a string.
type ResourceConfig struct {
	MasterSecret       string
	Locations          string
	Mixed              bool
	PlaceHolders       map[string]string
	SecretPlaceHolders map[string]string
}

// ParseResourceConfig reads the resource properties of a custom resource event.
func ParseResourceConfig(props map[string]interface{}) (ResourceConfig, error) {
	cfg := ResourceConfig{
		MasterSecret:       stringProp(props, "masterSecret"),
		Locations:          stringProp(props, "locations"),
		PlaceHolders:       map[string]string{},
		SecretPlaceHolders: map[string]string{},
	}
	if cfg.MasterSecret == "" {
		return ResourceConfig{}, errors.NotValidf("missing masterSecret property")
	}
	if cfg.Locations == "" {
		return ResourceConfig{}, errors.NotValidf("missing locations property")
	}

	if raw, ok := props["mixed"]; ok && raw != nil {
		switch v := raw.(type) {
		case bool:
			cfg.Mixed = v
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return ResourceConfig{}, errors.NotValidf("mixed property %q", v)
			}
			cfg.Mixed = b
		default:
			return ResourceConfig{}, errors.NotValidf("mixed property of type %T", raw)
		}
	}

	var err error
	if cfg.PlaceHolders, err = stringMap(props, "placeHolders"); err != nil {
		return ResourceConfig{}, errors.Trace(err)
	}
	if cfg.SecretPlaceHolders, err = stringMap(props, "secretPlaceHolders"); err != nil {
		return ResourceConfig{}, errors.Trace(err)
	}
	return cfg, nil
}

func stringProp(props map[string]interface{}, key string) string {
	if v, ok := props[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func stringMap(props map[string]interface{}, key string) (map[string]string, error) {
	out := map[string]string{}
	raw, ok := props[key]
	if !ok || raw == nil {
		return out, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.NotValidf("%s property of type %T", key, raw)
	}
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// S3Location is a parsed s3://bucket/key URL.
type S3Location struct {
	Bucket string
	Key    string
}

// ParseS3URL parses s3://bucket/key.
func ParseS3URL(raw string) (S3Location, error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return S3Location{}, errors.NotValidf("location %q", raw)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return S3Location{}, errors.NotValidf("location %q", raw)
	}
	return S3Location{Bucket: bucket, Key: key}, nil
}
