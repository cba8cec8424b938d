package executor

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/require"

	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/protocol"
)

type stubUploader struct {
	mu     sync.Mutex
	inputs []*s3manager.UploadInput
	err    error
}

func (s *stubUploader) UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	if s.err != nil {
		return nil, s.err
	}
	return &s3manager.UploadOutput{Location: "s3://" + aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Key)}, nil
}

func TestArchiveUploadsResults(t *testing.T) {
	up := &stubUploader{}
	a := &Archiver{
		l:      log.New(nil, log.WarnLevel, true),
		up:     up,
		bucket: "mesh-results",
		prefix: "testnet",
	}

	a.Archive(context.Background(), &Result{
		JobID:    "j1",
		Status:   protocol.StatusSuccess,
		Output:   "ok",
		Duration: 1.5,
	})

	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.inputs, 1)
	in := up.inputs[0]
	require.Equal(t, "mesh-results", aws.StringValue(in.Bucket))
	require.Equal(t, "testnet/j1.json", aws.StringValue(in.Key))
	require.Equal(t, "application/json", aws.StringValue(in.ContentType))

	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"job_id":"j1"`)
}
