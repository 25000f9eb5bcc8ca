package service

import (
	"context"
	"io"
	"testing"
	"time"

	"fastdrop-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) ready(t *testing.T, owner uint, name string, data []byte) *model.File {
	t.Helper()
	file := h.start(t, owner, name, int64(len(data)))
	h.uploadAll(t, file, data)
	done, err := h.uploads.CompleteUpload(context.Background(), file.ID, digestOf(data))
	require.NoError(t, err)
	return done
}

func TestDeleteFileReleasesQuota(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	file := h.ready(t, 1, "doc.txt", []byte("hello world"))
	require.Equal(t, int64(11), h.used(t, 1))

	assert.ErrorIs(t, h.files.DeleteFile(ctx, file.ID, 2, false), ErrForbidden)
	assert.ErrorIs(t, h.files.DeleteFile(ctx, "missing", 1, false), ErrFileNotFound)

	require.NoError(t, h.files.DeleteFile(ctx, file.ID, 1, false))
	assert.Equal(t, int64(0), h.used(t, 1))

	exists, err := h.store.Exists(ctx, file.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.ErrorIs(t, h.files.DeleteFile(ctx, file.ID, 1, false), ErrFileNotFound)
}

func TestDeleteFileByAdminAndWrongState(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()

	pending := h.start(t, 1, "pending.bin", 4)
	assert.ErrorIs(t, h.files.DeleteFile(ctx, pending.ID, 1, false), ErrWrongState)

	file := h.ready(t, 1, "doc.txt", []byte("abc"))
	require.NoError(t, h.files.DeleteFile(ctx, file.ID, 99, true))
	assert.Equal(t, int64(0), h.used(t, 1))
}

func TestOpenFile(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	data := []byte("download me")
	file := h.ready(t, 1, "d.txt", data)

	_, _, err := h.files.OpenFile(ctx, file.ID, UserAccess(2, false))
	assert.ErrorIs(t, err, ErrForbidden)

	got, rc, err := h.files.OpenFile(ctx, file.ID, UserAccess(1, false))
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, file.ID, got.ID)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	pending := h.start(t, 1, "pending.bin", 4)
	_, _, err = h.files.OpenFile(ctx, pending.ID, UserAccess(1, false))
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestQuarantineKeepsQuota(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	file := h.ready(t, 1, "bad.exe", []byte("MZ......"))

	require.NoError(t, h.files.Quarantine(ctx, file.ID, "blocked extension"))
	got, err := h.uploads.GetSession(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusQuarantine, got.Status)
	assert.Equal(t, int64(8), h.used(t, 1))

	// 重复隔离不报错
	require.NoError(t, h.files.Quarantine(ctx, file.ID, "again"))

	_, _, err = h.files.OpenFile(ctx, file.ID, UserAccess(1, false))
	assert.ErrorIs(t, err, ErrWrongState)

	// 被隔离的文件仍然可以删除
	require.NoError(t, h.files.DeleteFile(ctx, file.ID, 1, false))
	assert.Equal(t, int64(0), h.used(t, 1))
}

func TestListFiles(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4, LockTTL: time.Second})
	ctx := context.Background()
	h.ready(t, 1, "a.txt", []byte("a"))
	h.start(t, 1, "b.txt", 1)
	h.ready(t, 2, "c.txt", []byte("c"))

	files, err := h.files.ListFiles(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	for _, f := range files {
		assert.Equal(t, uint(1), f.OwnerID)
	}
}
