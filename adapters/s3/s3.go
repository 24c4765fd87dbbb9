package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config 是連線到 S3 相容服務所需的設定
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	PublicBaseURL   string
	// UsePathStyle 用於 MinIO 這類不支援 virtual-hosted style 的服務
	UsePathStyle bool
}

// NewClient 以靜態金鑰建立 S3 客戶端
func NewClient(ctx context.Context, config Config) (*s3.Client, error) {
	const op = "NewClient"
	region := config.Region
	if region == "" {
		region = "auto"
	}
	cfg, err := awsCfg.LoadDefaultConfig(
		ctx,
		awsCfg.WithBaseEndpoint(config.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")),
		awsCfg.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = config.UsePathStyle
	}), nil
}

// ObjectPutter 是 ObjectArchive 需要的 S3 操作，*s3.Client 實作了這個介面
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ObjectArchive 將物件寫入 bucket 中固定的前綴之下
type ObjectArchive struct {
	// client 是 S3 客戶端。
	client ObjectPutter
	// bucket 是 S3 存儲桶的名稱。
	bucket string
	prefix string
	// publicEndpoint 是 S3 存儲桶的公開 Endpoint，為空時只回傳物件的 key。
	publicEndpoint *url.URL
}

func NewObjectArchive(client ObjectPutter, bucket, prefix, publicBaseURL string) (*ObjectArchive, error) {
	const op = "NewObjectArchive"
	if client == nil {
		return nil, errors.New("s3 client cannot be nil")
	}
	if bucket == "" {
		return nil, errors.New("bucket cannot be empty")
	}
	archive := &ObjectArchive{client: client, bucket: bucket, prefix: prefix}
	if publicBaseURL != "" {
		publicEndpoint, err := url.Parse(publicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to parse public base URL, err=%w", op, err)
		}
		archive.publicEndpoint = publicEndpoint
	}
	return archive, nil
}

// Put 寫入物件並回傳可以存取的位置；相同的 name 會覆蓋舊的內容，重送是安全的
func (a *ObjectArchive) Put(ctx context.Context, name, contentType string, content []byte) (string, error) {
	const op = "ObjectArchive.Put"
	key := path.Join(a.prefix, name)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to upload file to S3, key=%s, err=%w", op, key, err)
	}
	if a.publicEndpoint == nil {
		return key, nil
	}
	uri := *a.publicEndpoint
	uri.Path = path.Join("/", uri.Path, key)
	return uri.String(), nil
}
