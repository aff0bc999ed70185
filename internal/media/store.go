package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store persists submitted photos and small thumbnails for the history view.
// Destination is a local directory or an S3 bucket, chosen at construction.
type Store struct {
	dest       uploader
	thumbWidth int
	logger     *zap.Logger
}

// Options configures a Store. S3Bucket selects the S3 destination; otherwise
// files land under BaseDir.
type Options struct {
	BaseDir    string
	S3Bucket   string
	S3Region   string
	ThumbWidth int
	Logger     *zap.Logger
}

func NewStore(ctx context.Context, opts Options) (*Store, error) {
	thumbWidth := opts.ThumbWidth
	if thumbWidth <= 0 {
		thumbWidth = 160
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var dest uploader
	if opts.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		dest = &s3Uploader{client: s3.NewFromConfig(awsCfg), bucket: opts.S3Bucket}
	} else {
		baseDir := opts.BaseDir
		if baseDir == "" {
			baseDir = "./media"
		}
		dest = &localUploader{baseDir: baseDir}
	}

	return &Store{dest: dest, thumbWidth: thumbWidth, logger: logger}, nil
}

// Save stores the submitted photo under a generated key and writes a
// thumbnail next to it. The returned refs are opaque to callers. A photo
// that cannot be decoded is stored without a thumbnail; the face API decides
// later whether it is usable.
func (s *Store) Save(ctx context.Context, data []byte, filename string) (string, *string, error) {
	key := "uploads/" + uuid.New().String() + keyExt(filename)
	ref, err := s.dest.Upload(ctx, key, data, mimeForExt(key))
	if err != nil {
		return "", nil, fmt.Errorf("store photo: %w", err)
	}

	thumb, err := s.thumbnail(data)
	if err != nil {
		s.logger.Debug("thumbnail skipped", zap.String("key", key), zap.Error(err))
		return ref, nil, nil
	}
	thumbKey := strings.TrimSuffix(key, filepath.Ext(key)) + "_thumb.jpg"
	thumbRef, err := s.dest.Upload(ctx, thumbKey, thumb, "image/jpeg")
	if err != nil {
		s.logger.Warn("thumbnail upload failed", zap.String("key", thumbKey), zap.Error(err))
		return ref, nil, nil
	}
	return ref, &thumbRef, nil
}

func (s *Store) thumbnail(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return nil, fmt.Errorf("invalid image dimensions")
	}

	width := s.thumbWidth
	height := int(float64(src.Bounds().Dy()) * float64(width) / float64(src.Bounds().Dx()))
	if height == 0 {
		height = width
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// keyExt keeps only a safe, known extension from the client filename.
func keyExt(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return ".png"
	case ".gif":
		return ".gif"
	case ".jpg", ".jpeg":
		return ".jpg"
	default:
		return ".bin"
	}
}

func mimeForExt(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".jpg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
