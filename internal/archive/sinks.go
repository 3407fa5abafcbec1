package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	directorySinkName = "directory"
	s3SinkName        = "s3"
	resultContentType = "text/csv"
	directoryFileMode = 0o644
	directoryPerm     = 0o755

	errMessageCreateDirectory = "create archive directory"
	errMessageWriteFile       = "write archive file"
	errMessagePutObject       = "upload archive object"
	errMessageLoadAWSConfig   = "load aws configuration"
)

// Sink stores archived result files.
type Sink interface {
	Name() string
	Put(ctx context.Context, key string, contents []byte) (string, error)
}

// DirectorySink writes results below a local directory.
type DirectorySink struct {
	root string
}

// NewDirectorySink constructs a DirectorySink rooted at root.
func NewDirectorySink(root string) *DirectorySink {
	return &DirectorySink{root: root}
}

// Name identifies the sink in logs and metrics.
func (sink *DirectorySink) Name() string {
	return directorySinkName
}

// Put writes contents to root/key and returns the written path.
func (sink *DirectorySink) Put(ctx context.Context, key string, contents []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(sink.root, directoryPerm); err != nil {
		return "", fmt.Errorf("%s: %w", errMessageCreateDirectory, err)
	}
	destination := filepath.Join(sink.root, filepath.Base(key))
	if err := os.WriteFile(destination, contents, directoryFileMode); err != nil {
		return "", fmt.Errorf("%s: %w", errMessageWriteFile, err)
	}
	return destination, nil
}

// S3PutAPI is the subset of the S3 client used by S3Sink.
type S3PutAPI interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optionFunctions ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads results to a bucket.
type S3Sink struct {
	client S3PutAPI
	bucket string
	prefix string
}

// NewS3Sink constructs an S3Sink writing below prefix in bucket.
func NewS3Sink(client S3PutAPI, bucket string, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Name identifies the sink in logs and metrics.
func (sink *S3Sink) Name() string {
	return s3SinkName
}

// Put uploads contents and returns the object key.
func (sink *S3Sink) Put(ctx context.Context, key string, contents []byte) (string, error) {
	objectKey := path.Base(key)
	if sink.prefix != "" {
		objectKey = sink.prefix + "/" + objectKey
	}
	_, err := sink.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(sink.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(contents),
		ContentType: aws.String(resultContentType),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", errMessagePutObject, err)
	}
	return objectKey, nil
}

// S3Config describes how to reach the archive bucket. Empty credentials fall back to the
// default AWS credential chain.
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds an S3 client. A custom endpoint switches to path-style addressing
// so S3-compatible stores work.
func NewS3Client(ctx context.Context, configuration S3Config) (*s3.Client, error) {
	loadOptions := []func(*config.LoadOptions) error{}
	if configuration.Region != "" {
		loadOptions = append(loadOptions, config.WithRegion(configuration.Region))
	}
	if configuration.Endpoint != "" {
		loadOptions = append(loadOptions, config.WithBaseEndpoint(configuration.Endpoint))
	}
	if configuration.AccessKey != "" && configuration.SecretKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			configuration.AccessKey,
			configuration.SecretKey,
			"",
		)))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageLoadAWSConfig, err)
	}
	usePathStyle := configuration.Endpoint != ""
	return s3.NewFromConfig(awsConfig, func(options *s3.Options) {
		options.UsePathStyle = usePathStyle
	}), nil
}
