package executor

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	json "github.com/nikkolasg/hexjson"

	"github.com/crunchmesh/crunchmesh/log"
)

// uploader is the slice of s3manager.Uploader the archiver uses.
type uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// Archiver uploads finished job results to an S3 bucket, keyed
// <prefix>/<job_id>.json. Uploads are best effort: failures are logged
// and never touch the settlement path.
type Archiver struct {
	l      log.Logger
	up     uploader
	bucket string
	prefix string
}

// NewArchiver opens an AWS session for the region and verifies that
// credentials resolve before returning the archiver.
func NewArchiver(l log.Logger, region, bucket, prefix string) (*Archiver, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, fmt.Errorf("checking credentials: %w", err)
	}
	return &Archiver{
		l:      l.Named("archive"),
		up:     s3manager.NewUploader(sess),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Archive uploads one result.
func (a *Archiver) Archive(ctx context.Context, res *Result) {
	data, err := json.Marshal(res)
	if err != nil {
		a.l.Errorw("encoding result for archive", "job", res.JobID, "err", err)
		return
	}
	out, err := a.up.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(path.Join(a.prefix, res.JobID+".json")),
		Body:        bytes.NewBuffer(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		a.l.Errorw("archiving result", "job", res.JobID, "err", err)
		return
	}
	a.l.Infow("result archived", "job", res.JobID, "location", out.Location)
}
