package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"fastdrop-go/internal/service"
	"fastdrop-go/pkg/log"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newImportCommand(c *cli) *cobra.Command {
	var ownerID uint
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Upload every regular file under a directory through the chunked upload flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == 0 {
				return fmt.Errorf("必须通过 --owner 指定文件归属的用户")
			}
			info, err := os.Stat(args[0])
			if err != nil || !info.IsDir() {
				return fmt.Errorf("目录 '%s' 不存在或不可用", args[0])
			}

			a, err := newApp(cmd.Context(), c.cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			var imported, failed int
			walkErr := filepath.Walk(args[0], func(path string, info os.FileInfo, err error) error {
				if err != nil || !info.Mode().IsRegular() {
					return nil
				}
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				if err := importFile(cmd.Context(), a.uploads, ownerID, path, info); err != nil {
					log.Warnf("[Import] 导入失败: %s, err=%v", path, err)
					failed++
					return nil
				}
				imported++
				return nil
			})
			fmt.Fprintf(cmd.OutOrStdout(), "导入完成 %d 个，失败 %d 个\n", imported, failed)
			return walkErr
		},
	}
	cmd.Flags().UintVar(&ownerID, "owner", 0, "文件归属的用户ID")
	return cmd
}

// importFile 先计算整个文件的 SHA-256，再按服务端分片大小逐片上传并完成合并。
func importFile(ctx context.Context, uploads service.UploadService, ownerID uint, path string, info os.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("读取文件失败: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	session, err := uploads.StartUpload(ctx, service.StartUploadRequest{
		OwnerID:   ownerID,
		FileName:  info.Name(),
		TotalSize: size,
	})
	if err != nil {
		return err
	}

	for index := 0; index < session.TotalChunks(); index++ {
		offset := int64(index) * session.ChunkSize
		expected := session.ExpectedChunkSize(index)
		chunk := io.NewSectionReader(f, offset, expected)
		if _, err := uploads.AcceptChunk(ctx, session.ID, index, chunk, expected); err != nil {
			_ = uploads.CancelUpload(ctx, session.ID)
			return fmt.Errorf("上传分片 %d 失败: %w", index, err)
		}
	}

	file, err := uploads.CompleteUpload(ctx, session.ID, digest)
	if err != nil {
		_ = uploads.CancelUpload(ctx, session.ID)
		return err
	}
	log.Infof("[Import] 已导入: %s (%s, id=%s)", info.Name(), humanize.IBytes(uint64(size)), file.ID)
	return nil
}
