package media

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"mediascribe/config"
	"mediascribe/task"

	"github.com/lithammer/shortuuid/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const objectPrefix = "public-media"

// objectAPI is the subset of *minio.Client used by ObjectStore.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, params url.Values) (*url.URL, error)
}

// ObjectStore publishes files by uploading them to an S3 compatible bucket
// and handing out presigned GET URLs.
type ObjectStore struct {
	client objectAPI
	bucket string
	ttl    time.Duration
	log    *zap.Logger
	token  func() string
}

func NewObjectStore(cfg *config.Config, log *zap.Logger) (*ObjectStore, error) {
	accessKey, err := config.Required(cfg.ObjectAccessKey, "OBJECT_ACCESS_KEY")
	if err != nil {
		return nil, err
	}
	secretKey, err := config.Required(cfg.ObjectSecretKey, "OBJECT_SECRET_KEY")
	if err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: cfg.ObjectUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return newObjectStore(client, cfg.ObjectBucket, cfg.PublicMediaTTL, log), nil
}

func newObjectStore(client objectAPI, bucket string, ttl time.Duration, log *zap.Logger) *ObjectStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &ObjectStore{client: client, bucket: bucket, ttl: ttl, log: log, token: shortuuid.New}
}

func (o *ObjectStore) ensureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (o *ObjectStore) Publish(ctx context.Context, localFile, taskID string) (string, error) {
	if err := o.ensureBucket(ctx); err != nil {
		return "", task.Wrap(task.KindTransientNetwork, err, "object storage")
	}
	key := path.Join(objectPrefix, FileID(taskID, o.token(), localFile))
	info, err := o.client.FPutObject(ctx, o.bucket, key, localFile, minio.PutObjectOptions{
		ContentType: ContentType(localFile),
		UserMetadata: map[string]string{
			"task-id": taskID,
		},
	})
	if err != nil {
		return "", task.Wrap(task.KindTransientNetwork, err, "upload %s", key)
	}
	u, err := o.client.PresignedGetObject(ctx, o.bucket, key, o.ttl, url.Values{})
	if err != nil {
		return "", task.Wrap(task.KindTransientNetwork, err, "presign %s", key)
	}
	o.log.Info("media uploaded",
		zap.String("task_id", taskID),
		zap.String("bucket", o.bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size))
	return u.String(), nil
}
