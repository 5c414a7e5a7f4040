package attach

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/qwenbridge/internal/upstream"
)

// Descriptor references one uploaded image. It is immutable once built and is
// embedded by reference in the translated chat message.
type Descriptor struct {
	RemoteID     string    `json:"remote_id"`
	URL          string    `json:"url"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mime_type"`
	SizeBytes    int       `json:"size_bytes"`
	UploadTaskID string    `json:"upload_task_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Uploader runs the three-step upload: temporary credentials, object-store PUT,
// descriptor. It holds no per-upload state.
type Uploader struct {
	client *upstream.Client
	store  ObjectStore
	logger *slog.Logger
	now    func() time.Time
}

// NewUploader creates an Uploader that requests credentials through client and
// writes bytes through store.
func NewUploader(client *upstream.Client, store ObjectStore) *Uploader {
	return &Uploader{
		client: client,
		store:  store,
		logger: slog.Default().With("component", "attach.uploader"),
		now:    time.Now,
	}
}

// Upload pushes data to the vendor's object store and returns a descriptor for
// it. filename and mimeType are sent to the vendor as-is.
func (u *Uploader) Upload(ctx context.Context, data []byte, filename, mimeType string) (Descriptor, error) {
	sts, err := u.requestCredentials(ctx, filename, len(data))
	if err != nil {
		return Descriptor{}, err
	}

	if err := u.store.Put(ctx, sts, data, mimeType); err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		RemoteID:     sts.FileID,
		URL:          sts.FileURL,
		Filename:     filename,
		MimeType:     mimeType,
		SizeBytes:    len(data),
		UploadTaskID: uuid.New().String(),
		CreatedAt:    u.now().UTC(),
	}
	u.logger.Debug("image uploaded", "file_id", d.RemoteID, "filename", filename, "bytes", d.SizeBytes)
	return d, nil
}

// UploadDataURL decodes a data: URL and uploads its payload. prefix is used to
// build the generated filename.
func (u *Uploader) UploadDataURL(ctx context.Context, dataURL, prefix string) (Descriptor, error) {
	img, err := ParseDataURL(dataURL)
	if err != nil {
		return Descriptor{}, err
	}
	return u.Upload(ctx, img.Data, Filename(prefix, img), img.MimeType)
}

func (u *Uploader) requestCredentials(ctx context.Context, filename string, size int) (upstream.STSToken, error) {
	headers := map[string]string{"X-Request-Id": uuid.New().String()}
	body := upstream.STSTokenRequest{Filename: filename, Filesize: size, Filetype: "image"}

	resp, err := u.client.PostJSON(ctx, upstream.PathSTSToken, body, headers)
	if err != nil {
		return upstream.STSToken{}, &CredentialError{Reason: "vendor rejected credential request", Err: err}
	}

	var env upstream.Envelope
	if err := upstream.DecodeJSON(resp, &env); err != nil {
		return upstream.STSToken{}, &CredentialError{Reason: "malformed credential response", Err: err}
	}
	if !env.Success || len(env.Data) == 0 {
		return upstream.STSToken{}, &CredentialError{Reason: "vendor refused credential request"}
	}

	var sts upstream.STSToken
	if err := json.Unmarshal(env.Data, &sts); err != nil {
		return upstream.STSToken{}, &CredentialError{Reason: "malformed credential payload", Err: err}
	}
	if missing := sts.Missing(); len(missing) > 0 {
		return upstream.STSToken{}, &CredentialError{Reason: "credential payload missing " + strings.Join(missing, ", ")}
	}
	return sts, nil
}

// Filename builds "<prefix>_<hash>.<ext>" where hash is derived from the
// first 100 bytes of the image.
func Filename(prefix string, img Image) string {
	head := img.Data
	if len(head) > 100 {
		head = head[:100]
	}
	sum := md5.Sum(head)
	return fmt.Sprintf("%s_%s.%s", prefix, hex.EncodeToString(sum[:])[:8], img.Extension())
}
