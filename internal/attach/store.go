package attach

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/kalambet/qwenbridge/internal/upstream"
)

// ObjectStore writes bytes to the location described by temporary credentials.
type ObjectStore interface {
	Put(ctx context.Context, creds upstream.STSToken, data []byte, mimeType string) error
}

// OSSStore writes to Alibaba Cloud OSS using STS credentials.
type OSSStore struct {
	// Timeout bounds the whole PUT. Zero means 120s.
	Timeout time.Duration
}

func (s OSSStore) Put(ctx context.Context, creds upstream.STSToken, data []byte, mimeType string) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := creds.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	secs := int64(timeout / time.Second)
	client, err := oss.New(endpoint, creds.AccessKeyID, creds.AccessKeySecret,
		oss.SecurityToken(creds.SecurityToken),
		oss.Timeout(10, secs),
	)
	if err != nil {
		return &UploadError{Err: err}
	}
	bucket, err := client.Bucket(creds.BucketName)
	if err != nil {
		return &UploadError{Err: err}
	}

	opts := []oss.Option{oss.WithContext(ctx)}
	if mimeType != "" {
		opts = append(opts, oss.ContentType(mimeType))
	}
	if err := bucket.PutObject(creds.FilePath, bytes.NewReader(data), opts...); err != nil {
		return &UploadError{StoreStatusCode: ossStatus(err), Err: err}
	}
	return nil
}

func ossStatus(err error) int {
	var se oss.ServiceError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var ue oss.UnexpectedStatusCodeError
	if errors.As(err, &ue) {
		return ue.Got()
	}
	return 0
}
