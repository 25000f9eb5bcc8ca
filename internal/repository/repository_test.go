package repository_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"fastdrop-go/internal/model"
	"fastdrop-go/internal/repository"
	"fastdrop-go/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newFile(id string, owner uint, size int64, status model.FileStatus) *model.File {
	return &model.File{
		ID:         id,
		OwnerID:    owner,
		FileName:   id + ".bin",
		TotalSize:  size,
		Status:     status,
		StorageKey: "files/" + id,
	}
}

func TestUploadRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewUploadRepository(testutil.NewDB(t))

	require.NoError(t, repo.Create(ctx, newFile("a", 1, 10, model.FileStatusUploading)))

	got, err := repo.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusUploading, got.Status)
	assert.Nil(t, got.Checksum)

	done := time.Now()
	ok, err := repo.MarkReady(ctx, "a", "abc", done, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second transition is rejected by the status guard
	ok, err = repo.MarkReady(ctx, "a", "def", done, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = repo.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusReady, got.Status)
	require.NotNil(t, got.Checksum)
	assert.Equal(t, "abc", *got.Checksum)
	assert.NotNil(t, got.CompletedAt)

	ok, err = repo.TransitionStatus(ctx, "a", model.FileStatusReady, model.FileStatusQuarantine)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.Delete(ctx, "a"))
	require.NoError(t, repo.Delete(ctx, "a"))
	_, err = repo.FindByID(ctx, "a")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestUploadRepositoryMaintenanceQueries(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.NewUploadRepository(db)

	past := time.Now().Add(-48 * time.Hour)
	future := time.Now().Add(48 * time.Hour)

	expired := newFile("expired", 1, 5, model.FileStatusReady)
	expired.ExpiresAt = &past
	fresh := newFile("fresh", 1, 5, model.FileStatusReady)
	fresh.ExpiresAt = &future
	stale := newFile("stale", 2, 5, model.FileStatusUploading)
	for _, f := range []*model.File{expired, fresh, stale} {
		require.NoError(t, repo.Create(ctx, f))
	}
	require.NoError(t, db.Model(&model.File{}).Where("id = ?", "stale").Update("created_at", past).Error)

	found, err := repo.FindExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "expired", found[0].ID)

	found, err = repo.FindStaleUploads(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "stale", found[0].ID)

	statuses, err := repo.FindStatuses(ctx, []string{"fresh", "stale", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, map[string]model.FileStatus{"fresh": model.FileStatusReady, "stale": model.FileStatusUploading}, statuses)
}

func TestQuotaRepositoryArithmetic(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewQuotaRepository(testutil.NewDB(t))

	acct, err := repo.Get(ctx, 9)
	require.NoError(t, err)
	assert.Nil(t, acct.TotalBytes)
	assert.Zero(t, acct.UsedBytes)

	require.NoError(t, repo.Increment(ctx, 9, 100))
	require.NoError(t, repo.Increment(ctx, 9, 50))
	require.NoError(t, repo.Decrement(ctx, 9, 30))

	acct, err = repo.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(120), acct.UsedBytes)

	require.NoError(t, repo.Decrement(ctx, 9, 1000))
	acct, err = repo.Get(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, acct.UsedBytes)

	// releasing for an owner with no account is a no-op
	require.NoError(t, repo.Decrement(ctx, 42, 10))
}

func TestQuotaRepositorySetTotalKeepsUsage(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewQuotaRepository(testutil.NewDB(t))

	require.NoError(t, repo.Increment(ctx, 3, 70))
	total := int64(100)
	require.NoError(t, repo.SetTotal(ctx, 3, &total))

	acct, err := repo.Get(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, acct.TotalBytes)
	assert.Equal(t, int64(100), *acct.TotalBytes)
	assert.Equal(t, int64(70), acct.UsedBytes)

	require.NoError(t, repo.SetTotal(ctx, 3, nil))
	acct, err = repo.Get(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, acct.TotalBytes)
	assert.Equal(t, int64(70), acct.UsedBytes)

	require.NoError(t, repo.SetTotal(ctx, 4, &total))
	acct, err = repo.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(100), *acct.TotalBytes)
	assert.Zero(t, acct.UsedBytes)
}

func TestQuotaRepositoryRecalculate(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	uploads := repository.NewUploadRepository(db)
	quotas := repository.NewQuotaRepository(db)

	require.NoError(t, uploads.Create(ctx, newFile("r1", 5, 100, model.FileStatusReady)))
	require.NoError(t, uploads.Create(ctx, newFile("q1", 5, 20, model.FileStatusQuarantine)))
	require.NoError(t, uploads.Create(ctx, newFile("u1", 5, 999, model.FileStatusUploading)))
	require.NoError(t, uploads.Create(ctx, newFile("o1", 6, 7, model.FileStatusReady)))
	require.NoError(t, quotas.Increment(ctx, 5, 1))

	used, err := quotas.Recalculate(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(120), used)

	used, err = quotas.Recalculate(ctx, 77)
	require.NoError(t, err)
	assert.Zero(t, used)

	owners, err := quotas.ListOwnerIDs(ctx)
	require.NoError(t, err)
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	assert.Equal(t, []uint{5, 6, 77}, owners)
}

func TestTransactorRollsBack(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	uploads := repository.NewUploadRepository(db)
	quotas := repository.NewQuotaRepository(db)
	require.NoError(t, uploads.Create(ctx, newFile("t1", 1, 10, model.FileStatusUploading)))

	boom := errors.New("boom")
	err := repository.NewTransactor(db).WithinTransaction(ctx, func(u repository.UploadRepository, q repository.QuotaRepository) error {
		ok, err := u.MarkReady(ctx, "t1", "abc", time.Now(), nil)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.Increment(ctx, 1, 10))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := uploads.FindByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusUploading, got.Status)
	acct, err := quotas.Get(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, acct.UsedBytes)
}

func TestAuditRepository(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewAuditRepository(testutil.NewDB(t))

	actor := uint(1)
	require.NoError(t, repo.Create(ctx, &model.AuditLog{Action: model.AuditUploadStart, ActorID: &actor, ResourceID: "f"}))
	require.NoError(t, repo.Create(ctx, &model.AuditLog{Action: model.AuditUpload, ActorID: &actor, ResourceID: "f"}))
	require.NoError(t, repo.Create(ctx, &model.AuditLog{Action: model.AuditUpload, ResourceID: "g"}))

	entries, err := repo.FindByResource(ctx, "f", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.AuditUploadStart, entries[0].Action)
	assert.Equal(t, model.AuditUpload, entries[1].Action)
}

func TestAuditRepositoryRetention(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewAuditRepository(testutil.NewDB(t))
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &model.AuditLog{Action: model.AuditUpload, ResourceID: "old", CreatedAt: now.Add(-400 * 24 * time.Hour)}))
	require.NoError(t, repo.Create(ctx, &model.AuditLog{Action: model.AuditUpload, ResourceID: "new", CreatedAt: now}))

	cutoff := now.Add(-365 * 24 * time.Hour)
	n, err := repo.CountBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.DeleteBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := repo.FindByResource(ctx, "new", 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
	gone, err := repo.FindByResource(ctx, "old", 10)
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestDownloadTokenRepository(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewDownloadTokenRepository(testutil.NewDB(t))
	now := time.Now()

	tok := &model.DownloadToken{
		FileID:       "f",
		TokenHash:    "h1",
		ExpiresAt:    now.Add(time.Hour),
		MaxDownloads: 2,
		IPWhitelist:  []string{"10.0.0.0/8"},
		CreatedBy:    1,
	}
	require.NoError(t, repo.Create(ctx, tok))

	got, err := repo.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, []string{"10.0.0.0/8"}, got.IPWhitelist)
	_, err = repo.FindByHash(ctx, "nope")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	// 最多两次
	for i := 0; i < 2; i++ {
		ok, err := repo.ConsumeDownload(ctx, tok.ID, now)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := repo.ConsumeDownload(ctx, tok.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = repo.FindByID(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.DownloadsCount)
	assert.NotNil(t, got.LastUsedAt)

	other := &model.DownloadToken{FileID: "f", TokenHash: "h2", ExpiresAt: now.Add(time.Hour), MaxDownloads: 5, CreatedBy: 1}
	require.NoError(t, repo.Create(ctx, other))
	require.NoError(t, repo.Revoke(ctx, other.ID))
	ok, err = repo.ConsumeDownload(ctx, other.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "revoked")

	ok, err = repo.ConsumeDownload(ctx, other.ID, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "expired")

	tokens, err := repo.FindByFile(ctx, "f")
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	n, err := repo.DeleteExpiredBefore(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
