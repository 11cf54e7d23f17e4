package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"LinguaFM/config"
	"LinguaFM/core/audiokey"
	"LinguaFM/core/content"
	"LinguaFM/core/pregen"
	"LinguaFM/core/voices"
	"LinguaFM/db"
	"LinguaFM/repository"
)

var (
	pregenBookID string
	pregenChunks int
)

var pregenCmd = &cobra.Command{
	Use:   "pregen",
	Short: "手动触发一本书的预生成枚举",
	Long:  `把一本书的全部 (分段, 级别, 音色) 组合展开成预生成任务并入队。任务由运行中的服务器工作池消费。`,
	Run: func(cmd *cobra.Command, args []string) {
		if pregenBookID == "" {
			log.Fatal("必须指定 --book")
		}

		cfg := config.Load()
		initLogger(cfg)

		if err := db.ConnectDB(cfg); err != nil {
			log.Fatalf("连接数据库失败: %v", err)
		}
		defer db.CloseDB()
		if err := db.MigrateModels(); err != nil {
			log.Fatalf("数据库迁移失败: %v", err)
		}

		chunkCount := pregenChunks
		if chunkCount <= 0 {
			client := content.NewClient(cfg)
			book, err := client.Book(context.Background(), pregenBookID)
			if err != nil {
				log.Fatalf("查询书籍信息失败: %v", err)
			}
			chunkCount = book.ChunkCount
			fmt.Printf("书籍 %s (%s)，共 %d 段\n", book.Title, book.ID, chunkCount)
		}

		catalog, err := voices.NewCatalog(cfg.VoiceCatalogPath, cfg.DefaultVoiceID)
		if err != nil {
			log.Fatalf("加载音色目录失败: %v", err)
		}
		defer catalog.Close()

		assetRepo := repository.NewMySQLAssetRepository(db.DB)
		jobRepo := repository.NewMySQLJobRepository(db.DB)
		statusRepo := repository.NewMySQLStatusRepository(db.DB)

		enumerator := pregen.NewEnumerator(jobRepo, assetRepo, statusRepo,
			cfg.FastStartChunks, cfg.PopularLevels, catalog.DefaultID(), cfg.MaxAttempts)

		res, err := enumerator.Enumerate(pregen.EnumerateRequest{
			BookID:     pregenBookID,
			ChunkCount: chunkCount,
			Levels:     audiokey.CEFRLevels,
			Voices:     catalog.IDs(),
		})
		if err != nil {
			log.Fatalf("枚举失败: %v", err)
		}

		fmt.Printf("枚举完成: 入队 %d 个任务，跳过 %d 个已有组合\n", res.Enqueued, res.Skipped)
	},
}

func init() {
	pregenCmd.Flags().StringVar(&pregenBookID, "book", "", "书籍 ID")
	pregenCmd.Flags().IntVar(&pregenChunks, "chunks", 0, "分段数（缺省时向内容服务查询）")
	rootCmd.AddCommand(pregenCmd)
}
