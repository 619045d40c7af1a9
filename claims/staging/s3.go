package staging

import (
	"bytes"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

// S3Store keeps payloads in an S3 bucket under a fixed prefix. S3 object
// puts are already atomic, so no rename dance is needed here.
type S3Store struct {
	sess   *session.Session
	bucket string
	prefix string
}

func NewS3Store(uri, endpoint string) (*S3Store, error) {
	bucket, prefix := parseS3URI(uri)
	if bucket == "" {
		return nil, errors.Errorf("invalid staging S3 URI %q", uri)
	}

	config := aws.Config{}
	if endpoint != "" {
		config.S3ForcePathStyle = aws.Bool(true)
		config.Endpoint = &endpoint
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            config,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating S3 session")
	}

	return &S3Store{sess: sess, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) Put(key string, payload []byte) error {
	uploader := s3manager.NewUploader(s.sess)
	_, err := uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(payload),
	})
	return errors.Wrapf(err, "staging %s to s3://%s", key, s.bucket)
}

func (s *S3Store) Get(key string) ([]byte, error) {
	downloader := s3manager.NewDownloader(s.sess)
	buff := &aws.WriteAtBuffer{}
	_, err := downloader.Download(buff, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading staged file %s from s3://%s", key, s.bucket)
	}
	return buff.Bytes(), nil
}

func (s *S3Store) Delete(key string) error {
	svc := s3.New(s.sess)
	_, err := svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return errors.Wrapf(err, "deleting staged file %s from s3://%s", key, s.bucket)
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

// parseS3URI splits s3://bucket/prefix into its parts.
func parseS3URI(str string) (bucket, prefix string) {
	working := strings.TrimPrefix(str, "s3://")
	parts := strings.SplitN(working, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
