package service

import (
	"context"
	"io"
	"sort"

	"fastdrop-go/internal/model"
	"fastdrop-go/pkg/storage"
)

// ChunkTracker 记录分片的接收情况。它不维护任何独立状态：
// 已接收的分片集合完全由存储中 chunks/{id}/ 前缀下的 key 推导，因此多个实例之间无需同步。
type ChunkTracker struct {
	store storage.BlobStore
}

// NewChunkTracker 创建一个 ChunkTracker。
func NewChunkTracker(store storage.BlobStore) *ChunkTracker {
	return &ChunkTracker{store: store}
}

// Put 写入第 index 个分片，同一序号重复写入时以最后一次为准。
func (t *ChunkTracker) Put(ctx context.Context, sessionID string, index int, r io.Reader, size int64) error {
	key := model.ChunkKey(sessionID, index)
	return storageErr("write", key, t.store.Write(ctx, key, r, size))
}

// Received 返回已接收的分片，按序号升序排列。
func (t *ChunkTracker) Received(ctx context.Context, sessionID string) ([]model.ChunkRecord, error) {
	prefix := model.ChunkPrefix(sessionID)
	objects, err := t.store.List(ctx, prefix)
	if err != nil {
		return nil, storageErr("list", prefix, err)
	}

	chunks := make([]model.ChunkRecord, 0, len(objects))
	for _, obj := range objects {
		idx, ok := model.ParseChunkIndex(obj.Key)
		if !ok {
			continue
		}
		chunks = append(chunks, model.ChunkRecord{SessionID: sessionID, Index: idx, Size: obj.Size, Key: obj.Key})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// Purge 删除会话的全部分片。
func (t *ChunkTracker) Purge(ctx context.Context, sessionID string) (int, error) {
	prefix := model.ChunkPrefix(sessionID)
	n, err := storage.DeletePrefix(ctx, t.store, prefix)
	return n, storageErr("delete", prefix, err)
}
