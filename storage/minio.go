package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"LinguaFM/config"
	"LinguaFM/logger"
)

var minioClient *minio.Client

// InitMinio 初始化 MinIO 客户端并确保存储桶存在
func InitMinio(cfg *config.Config) error {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{
			Region: cfg.MinioRegion,
		})
		if err != nil {
			return fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("成功创建存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	minioClient = client
	logger.Info("MinIO 客户端初始化成功",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))
	return nil
}

// GetMinioClient 获取 MinIO 客户端实例
func GetMinioClient() *minio.Client {
	return minioClient
}

// AudioStore 封装音频对象的读写，对象名即资产键的 ObjectPath
type AudioStore struct {
	bucket string
}

// NewAudioStore 创建音频对象存储
func NewAudioStore(cfg *config.Config) *AudioStore {
	return &AudioStore{bucket: cfg.MinioBucket}
}

// PutAudio 写入音频字节
func (s *AudioStore) PutAudio(ctx context.Context, objectPath string, data []byte) error {
	client := GetMinioClient()
	if client == nil {
		return fmt.Errorf("MinIO client not initialized")
	}

	_, err := client.PutObject(ctx, s.bucket, objectPath,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "audio/mpeg"})
	if err != nil {
		return fmt.Errorf("上传音频对象失败 %s: %w", objectPath, err)
	}

	logger.Debug("音频对象上传成功",
		logger.String("objectPath", objectPath),
		logger.Int("dataSize", len(data)))
	return nil
}

// GetAudio 读取音频字节
func (s *AudioStore) GetAudio(ctx context.Context, objectPath string) ([]byte, error) {
	client := GetMinioClient()
	if client == nil {
		return nil, fmt.Errorf("MinIO client not initialized")
	}

	object, err := client.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取音频对象失败 %s: %w", objectPath, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("读取音频对象失败 %s: %w", objectPath, err)
	}
	return data, nil
}

// RemoveAudio 删除音频对象
func (s *AudioStore) RemoveAudio(ctx context.Context, objectPath string) error {
	client := GetMinioClient()
	if client == nil {
		return fmt.Errorf("MinIO client not initialized")
	}

	err := client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("删除音频对象失败 %s: %w", objectPath, err)
	}
	return nil
}
