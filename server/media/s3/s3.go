// Package s3 implements the media interface by storing blobs in an Amazon S3
// (or compatible) bucket.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/netsblox/cloud/server/media"
)

const handlerName = "s3"

type awsconfig struct {
	AccessKeyId     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	DisableSSL      bool   `json:"disable_ssl"`
	ForcePathStyle  bool   `json:"force_path_style"`
	Endpoint        string `json:"endpoint"`
	BucketName      string `json:"bucket"`
}

type awshandler struct {
	svc        *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	conf       awsconfig
}

// Init initializes the blob handler: connects and ensures the bucket exists.
func (ah *awshandler) Init(jsconf string) error {
	if err := json.Unmarshal([]byte(jsconf), &ah.conf); err != nil {
		return errors.New("s3: failed to parse config: " + err.Error())
	}

	if ah.conf.Region == "" {
		return errors.New("s3: missing region")
	}
	if ah.conf.BucketName == "" {
		return errors.New("s3: missing bucket")
	}

	var creds *credentials.Credentials
	if ah.conf.AccessKeyId != "" {
		creds = credentials.NewStaticCredentials(ah.conf.AccessKeyId, ah.conf.SecretAccessKey, "")
	}

	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(ah.conf.Region),
		DisableSSL:       aws.Bool(ah.conf.DisableSSL),
		S3ForcePathStyle: aws.Bool(ah.conf.ForcePathStyle),
		Endpoint:         aws.String(ah.conf.Endpoint),
		Credentials:      creds,
	})
	if err != nil {
		return err
	}

	ah.svc = s3.New(sess)
	ah.uploader = s3manager.NewUploaderWithClient(ah.svc)
	ah.downloader = s3manager.NewDownloaderWithClient(ah.svc)

	// Check if the bucket already exists.
	if _, err = ah.svc.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(ah.conf.BucketName)}); err == nil {
		return nil
	}

	_, err = ah.svc.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(ah.conf.BucketName)})
	if err != nil {
		// The bucket may have been created concurrently.
		if aerr, ok := err.(awserr.Error); ok {
			if aerr.Code() == s3.ErrCodeBucketAlreadyExists ||
				aerr.Code() == s3.ErrCodeBucketAlreadyOwnedByYou {
				return nil
			}
		}
	}
	return err
}

// Put stores the content under the given key.
func (ah *awshandler) Put(ctx context.Context, key string, in io.Reader) error {
	_, err := ah.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(ah.conf.BucketName),
		Key:    aws.String(key),
		Body:   in,
	})
	return err
}

// Get fetches the content stored under the given key.
func (ah *awshandler) Get(ctx context.Context, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := ah.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(ah.conf.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Delete removes the content under the given key.
func (ah *awshandler) Delete(ctx context.Context, key string) error {
	_, err := ah.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ah.conf.BucketName),
		Key:    aws.String(key),
	})
	return err
}

// List returns every key in the bucket.
func (ah *awshandler) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := ah.svc.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(ah.conf.BucketName),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
		return true
	})
	return keys, err
}

func init() {
	media.RegisterHandler(handlerName, &awshandler{})
}
