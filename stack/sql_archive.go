package stack

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3assets"
	"github.com/aws/jsii-runtime-go"
	"github.com/juju/errors"
	"github.com/rs/zerolog/log"
)

// sqlArchive bundles a directory of SQL scripts into a single zip file with a
// fixed name, so that the file keeps its name once deployed to a bucket.
type sqlArchive struct {
	source   string
	fileName string
}

// TryBundle implements awscdk.ILocalBundling.
func (a *sqlArchive) TryBundle(outputDir *string, _ *awscdk.BundlingOptions) *bool {
	target := filepath.Join(*outputDir, a.fileName)
	if err := ZipDir(a.source, target); err != nil {
		log.Error().Err(err).Str("source", a.source).Msg("zipping SQL scripts")
		return jsii.Bool(false)
	}
	log.Debug().Str("archive", target).Msg("zipped SQL scripts")
	return jsii.Bool(true)
}

// sqlArchiveAssetOptions zips source locally, falling back to a container
// when that fails.
func sqlArchiveAssetOptions(source, fileName string) *awss3assets.AssetOptions {
	return &awss3assets.AssetOptions{
		Bundling: &awscdk.BundlingOptions{
			Image: awscdk.DockerImage_FromRegistry(jsii.String("public.ecr.aws/docker/library/alpine:3")),
			Command: jsii.Strings("sh", "-c",
				fmt.Sprintf("apk add --no-cache zip >/dev/null && cd /asset-input && zip -qr /asset-output/%s .", fileName)),
			Local:      &sqlArchive{source: source, fileName: fileName},
			OutputType: awscdk.BundlingOutput_NOT_ARCHIVED,
		},
	}
}

// ZipDir writes every regular file below dir into a zip archive at target.
// Entry names are slash separated and relative to dir.
func ZipDir(dir, target string) (err error) {
	out, err := os.Create(target)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = errors.Trace(cerr)
		}
	}()

	w := zip.NewWriter(out)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entry, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(entry, in)
		return err
	})
	if err != nil {
		return errors.Annotatef(err, "zipping %s", dir)
	}
	return errors.Trace(w.Close())
}
