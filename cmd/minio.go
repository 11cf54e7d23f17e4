package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/spf13/cobra"

	"LinguaFM/config"
	"LinguaFM/storage"
)

var (
	minioPrefix string
	minioStats  bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看音频对象存储的内容：列出对象、统计某个前缀下的数量与体积。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		if err := storage.InitMinio(cfg); err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}
		fmt.Println("MinIO连接成功！")

		client := storage.GetMinioClient()
		ctx := context.Background()

		prefix := minioPrefix
		if prefix == "" {
			prefix = "audio/"
		}

		var count int
		var totalSize int64
		for object := range client.ListObjects(ctx, cfg.MinioBucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if object.Err != nil {
				log.Fatalf("列出对象失败: %v", object.Err)
			}
			count++
			totalSize += object.Size
			if !minioStats {
				fmt.Printf("  %s  (%d bytes)\n", object.Key, object.Size)
			}
		}

		fmt.Printf("前缀 %q 下共 %d 个对象，合计 %.2f MB\n",
			prefix, count, float64(totalSize)/(1024*1024))
	},
}

func init() {
	minioCmd.Flags().StringVar(&minioPrefix, "prefix", "", "对象前缀（默认 audio/）")
	minioCmd.Flags().BoolVar(&minioStats, "stats", false, "只输出统计信息，不逐个列出对象")
	rootCmd.AddCommand(minioCmd)
}
