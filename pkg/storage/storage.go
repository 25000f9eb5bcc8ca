// Package storage 定义了 Blob 存储的抽象，并提供 MinIO 与本地磁盘两种实现。
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound 表示对象不存在。
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectInfo 描述 List 返回的一个对象。
type ObjectInfo struct {
	Key  string
	Size int64
}

// BlobStore 是按 key 寻址的对象存储。
// 同一 key 的 Write 会覆盖旧内容；Delete 一个不存在的 key 不是错误。
type BlobStore interface {
	// Write 写入对象。size 为 -1 表示长度未知。
	Write(ctx context.Context, key string, r io.Reader, size int64) error
	Read(ctx context.Context, key string) ([]byte, error)
	ReadStream(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	// List 返回 key 以 prefix 开头的所有对象，顺序不作保证。
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Move 将 src 的内容放到 dst 并删除 src。
	Move(ctx context.Context, src, dst string) error
}

// DeletePrefix 删除 prefix 下的全部对象，返回删除的数量。
func DeletePrefix(ctx context.Context, store BlobStore, prefix string) (int, error) {
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var errs []error
	deleted := 0
	for _, obj := range objects {
		if err := store.Delete(ctx, obj.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
