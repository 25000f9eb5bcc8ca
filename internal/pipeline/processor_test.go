package pipeline_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"fastdrop-go/internal/config"
	"fastdrop-go/internal/model"
	"fastdrop-go/internal/pipeline"
	"fastdrop-go/internal/repository"
	"fastdrop-go/internal/service"
	"fastdrop-go/internal/testutil"
	"fastdrop-go/pkg/lock"
	"fastdrop-go/pkg/metrics"
	"fastdrop-go/pkg/storage"
	"fastdrop-go/pkg/tasks"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *storage.LocalStore
	uploads   service.UploadService
	repo      repository.UploadRepository
	processor *pipeline.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	store, err := storage.NewLocalStore(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	audit := service.NewAuditService()
	t.Cleanup(audit.Close)
	repo := repository.NewUploadRepository(db)
	deps := service.Deps{
		Uploads:    repo,
		Transactor: repository.NewTransactor(db),
		Quotas:     service.NewQuotaService(repository.NewQuotaRepository(db), m),
		Store:      store,
		Locker:     lock.NewLocalLocker(),
		Audit:      audit,
		Metrics:    m,
	}
	files := service.NewFileService(deps, time.Second)
	return &fixture{
		store:     store,
		uploads:   service.NewUploadService(deps, service.UploadOptions{ChunkSize: 1024, LockTTL: time.Second}),
		repo:      repo,
		processor: pipeline.NewProcessor(config.PipelineConfig{BlockedExtensions: []string{"exe", ".BAT"}}, repo, files, store),
	}
}

func (f *fixture) ready(t *testing.T, name string, data []byte) *model.File {
	t.Helper()
	ctx := context.Background()
	file, err := f.uploads.StartUpload(ctx, service.StartUploadRequest{OwnerID: 1, FileName: name, TotalSize: int64(len(data))})
	require.NoError(t, err)
	if len(data) > 0 {
		_, err = f.uploads.AcceptChunk(ctx, file.ID, 0, bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
	}
	sum := sha256.Sum256(data)
	done, err := f.uploads.CompleteUpload(ctx, file.ID, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	return done
}

func taskFor(file *model.File) tasks.FileReadyTask {
	return tasks.FileReadyTask{FileID: file.ID, OwnerID: file.OwnerID, FileName: file.FileName, StorageKey: file.StorageKey, TotalSize: file.TotalSize}
}

func (f *fixture) status(t *testing.T, id string) model.FileStatus {
	t.Helper()
	file, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return file.Status
}

func TestProcessorAcceptsGoodFile(t *testing.T) {
	f := newFixture(t)
	file := f.ready(t, "notes.txt", []byte("all good"))

	require.NoError(t, f.processor.Process(context.Background(), taskFor(file)))
	assert.Equal(t, model.FileStatusReady, f.status(t, file.ID))
}

func TestProcessorQuarantinesBlockedExtension(t *testing.T) {
	f := newFixture(t)
	exe := f.ready(t, "setup.EXE", []byte("MZ"))
	bat := f.ready(t, "run.bat", []byte("@echo off"))

	require.NoError(t, f.processor.Process(context.Background(), taskFor(exe)))
	require.NoError(t, f.processor.Process(context.Background(), taskFor(bat)))
	assert.Equal(t, model.FileStatusQuarantine, f.status(t, exe.ID))
	assert.Equal(t, model.FileStatusQuarantine, f.status(t, bat.ID))
}

func TestProcessorQuarantinesTamperedObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resized := f.ready(t, "a.bin", []byte("12345678"))
	require.NoError(t, f.store.Write(ctx, resized.StorageKey, strings.NewReader("123"), 3))
	require.NoError(t, f.processor.Process(ctx, taskFor(resized)))
	assert.Equal(t, model.FileStatusQuarantine, f.status(t, resized.ID))

	rewritten := f.ready(t, "b.bin", []byte("12345678"))
	require.NoError(t, f.store.Write(ctx, rewritten.StorageKey, strings.NewReader("87654321"), 8))
	require.NoError(t, f.processor.Process(ctx, taskFor(rewritten)))
	assert.Equal(t, model.FileStatusQuarantine, f.status(t, rewritten.ID))

	missing := f.ready(t, "c.bin", []byte("x"))
	require.NoError(t, f.store.Delete(ctx, missing.StorageKey))
	require.NoError(t, f.processor.Process(ctx, taskFor(missing)))
	assert.Equal(t, model.FileStatusQuarantine, f.status(t, missing.ID))
}

func TestProcessorSkipsDeletedFile(t *testing.T) {
	f := newFixture(t)
	err := f.processor.Process(context.Background(), tasks.FileReadyTask{FileID: "gone"})
	assert.NoError(t, err)
}
