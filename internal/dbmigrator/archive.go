package dbmigrator

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/juju/errors"
)

// ObjectClient is the part of the S3 API the migrator uses.
type ObjectClient interface {
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
}

// FetchScripts downloads the zipped SQL asset at loc and extracts it into a new
// directory below tmpDir. The returned directory is never empty.
func FetchScripts(ctx context.Context, client ObjectClient, loc S3Location, tmpDir string) (string, error) {
	base := strings.TrimSuffix(path.Base(loc.Key), ".zip")

	archive, err := os.CreateTemp(tmpDir, base+"-*.zip")
	if err != nil {
		return "", errors.Trace(err)
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return "", errors.Annotatef(err, "getting s3://%s/%s", loc.Bucket, loc.Key)
	}
	defer out.Body.Close()
	if _, err := io.Copy(archive, out.Body); err != nil {
		return "", errors.Annotatef(err, "downloading s3://%s/%s", loc.Bucket, loc.Key)
	}
	if err := archive.Close(); err != nil {
		return "", errors.Trace(err)
	}

	dest, err := os.MkdirTemp(tmpDir, base+"-")
	if err != nil {
		return "", errors.Trace(err)
	}
	n, err := Unzip(archive.Name(), dest)
	if err != nil {
		return "", errors.Trace(err)
	}
	if n == 0 {
		return "", errors.NotFoundf("SQL files in s3://%s/%s", loc.Bucket, loc.Key)
	}
	return dest, nil
}

// Unzip extracts the archive into dest and returns the number of files
// written. Entries that would land outside dest are rejected.
func Unzip(archivePath, dest string) (int, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, errors.Annotatef(err, "opening %s", archivePath)
	}
	defer r.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, errors.Trace(err)
	}
	written := 0
	for _, f := range r.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return written, errors.NotValidf("zip entry %q outside destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, errors.Trace(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, errors.Trace(err)
		}
		if err := extract(f, target); err != nil {
			return written, errors.Annotatef(err, "extracting %s", f.Name)
		}
		written++
	}
	return written, nil
}

func extract(f *zip.File, target string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
