package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"fastdrop-go/internal/model"
	"fastdrop-go/internal/repository"
	"fastdrop-go/internal/testutil"
	"fastdrop-go/pkg/lock"
	"fastdrop-go/pkg/metrics"
	"fastdrop-go/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type harness struct {
	store      *storage.LocalStore
	locker     *lock.LocalLocker
	uploadRepo repository.UploadRepository
	quotaRepo  repository.QuotaRepository
	auditRepo  repository.AuditRepository
	tokenRepo  repository.DownloadTokenRepository
	quotas     QuotaService
	audit      AuditService
	metrics    *metrics.Metrics
	deps       Deps
	uploads    UploadService
	files      FileService
	tokens     DownloadTokenService
}

func newHarness(t *testing.T, opts UploadOptions) *harness {
	t.Helper()
	return newHarnessWithStore(t, opts, nil)
}

// newHarnessWithStore 与 newHarness 相同，但服务通过 wrap 返回的存储访问底层 LocalStore。
func newHarnessWithStore(t *testing.T, opts UploadOptions, wrap func(storage.BlobStore) storage.BlobStore) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	store, err := storage.NewLocalStore(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	h := &harness{
		store:      store,
		locker:     lock.NewLocalLocker(),
		uploadRepo: repository.NewUploadRepository(db),
		quotaRepo:  repository.NewQuotaRepository(db),
		auditRepo:  repository.NewAuditRepository(db),
		tokenRepo:  repository.NewDownloadTokenRepository(db),
		metrics:    metrics.New(prometheus.NewRegistry()),
	}
	h.quotas = NewQuotaService(h.quotaRepo, h.metrics)
	h.audit = NewAuditService(NewRepositoryAuditWriter(h.auditRepo))
	t.Cleanup(h.audit.Close)

	if opts.LockTTL == 0 {
		opts.LockTTL = 5 * time.Second
	}
	var blobs storage.BlobStore = store
	if wrap != nil {
		blobs = wrap(store)
	}
	h.deps = Deps{
		Uploads:    h.uploadRepo,
		Transactor: repository.NewTransactor(db),
		Quotas:     h.quotas,
		Store:      blobs,
		Locker:     h.locker,
		Audit:      h.audit,
		Metrics:    h.metrics,
	}
	h.uploads = NewUploadService(h.deps, opts)
	h.files = NewFileService(h.deps, opts.LockTTL)
	h.tokens = NewDownloadTokenService(h.tokenRepo, h.deps, h.files, ShareOptions{BcryptCost: bcrypt.MinCost})
	return h
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// uploadAll 以给定顺序上传 data 的全部分片。
func (h *harness) uploadAll(t *testing.T, file *model.File, data []byte, order ...int) {
	t.Helper()
	if len(order) == 0 {
		for i := 0; i < file.TotalChunks(); i++ {
			order = append(order, i)
		}
	}
	for _, i := range order {
		start := int64(i) * file.ChunkSize
		end := start + file.ExpectedChunkSize(i)
		_, err := h.uploads.AcceptChunk(context.Background(), file.ID, i, bytes.NewReader(data[start:end]), end-start)
		require.NoError(t, err, "chunk %d", i)
	}
}

func (h *harness) start(t *testing.T, owner uint, name string, size int64) *model.File {
	t.Helper()
	file, err := h.uploads.StartUpload(context.Background(), StartUploadRequest{OwnerID: owner, FileName: name, TotalSize: size})
	require.NoError(t, err)
	return file
}

func (h *harness) used(t *testing.T, owner uint) int64 {
	t.Helper()
	acct, err := h.quotas.Get(context.Background(), owner)
	require.NoError(t, err)
	return acct.UsedBytes
}

func TestStartUploadValidation(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4, MaxFileSize: 100})
	ctx := context.Background()

	_, err := h.uploads.StartUpload(ctx, StartUploadRequest{OwnerID: 1, FileName: "a.bin", TotalSize: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.uploads.StartUpload(ctx, StartUploadRequest{OwnerID: 1, FileName: "  ", TotalSize: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.uploads.StartUpload(ctx, StartUploadRequest{OwnerID: 1, FileName: "big.bin", TotalSize: 101})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	file := h.start(t, 1, "report.pdf", 10)
	assert.Equal(t, model.FileStatusUploading, file.Status)
	assert.Equal(t, 3, file.TotalChunks())
	assert.True(t, strings.HasPrefix(file.StorageKey, "files/1/"))
	assert.True(t, strings.HasSuffix(file.StorageKey, "report_"+file.ID+".pdf"))

	// 发起会话不会写入存储
	objects, err := h.store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestQuotaAdmissionBoundary(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()

	total := int64(100)
	require.NoError(t, h.quotas.SetTotal(ctx, 1, &total))
	require.NoError(t, h.quotas.Commit(ctx, 1, 40))

	_, err := h.uploads.StartUpload(ctx, StartUploadRequest{OwnerID: 1, FileName: "over.bin", TotalSize: 61})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = h.uploads.StartUpload(ctx, StartUploadRequest{OwnerID: 1, FileName: "fits.bin", TotalSize: 60})
	assert.NoError(t, err)

	// 没有配额账户的用户不受限制
	_, err = h.uploads.StartUpload(ctx, StartUploadRequest{OwnerID: 2, FileName: "free.bin", TotalSize: 1 << 40})
	assert.NoError(t, err)
}

func TestChunkOrderIndependence(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	data := []byte("abcdefghij")

	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}
	for _, order := range orders {
		file := h.start(t, 1, "letters.txt", int64(len(data)))
		h.uploadAll(t, file, data, order...)

		done, err := h.uploads.CompleteUpload(ctx, file.ID, digestOf(data))
		require.NoError(t, err, "order %v", order)
		assert.Equal(t, model.FileStatusReady, done.Status)

		content, err := h.store.Read(ctx, file.StorageKey)
		require.NoError(t, err)
		assert.Equal(t, data, content, "order %v", order)
	}
	assert.Equal(t, int64(3*len(data)), h.used(t, 1))
}

func TestAcceptChunkValidation(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	file := h.start(t, 1, "a.bin", 10)

	cases := []struct {
		name  string
		index int
		data  string
	}{
		{"negative index", -1, "abcd"},
		{"index beyond last chunk", 3, "ab"},
		{"empty chunk", 0, ""},
		{"short middle chunk", 1, "abc"},
		{"oversized last chunk", 2, "abcd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.uploads.AcceptChunk(ctx, file.ID, tc.index, strings.NewReader(tc.data), int64(len(tc.data)))
			assert.ErrorIs(t, err, ErrInvalidChunk)
		})
	}

	_, err := h.uploads.AcceptChunk(ctx, "missing", 0, strings.NewReader("abcd"), 4)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// 同一序号重复上传时以最后一次为准
	_, err = h.uploads.AcceptChunk(ctx, file.ID, 0, strings.NewReader("xxxx"), 4)
	require.NoError(t, err)
	h.uploadAll(t, file, []byte("abcdefghij"))
	_, err = h.uploads.CompleteUpload(ctx, file.ID, digestOf([]byte("abcdefghij")))
	require.NoError(t, err)

	_, err = h.uploads.AcceptChunk(ctx, file.ID, 0, strings.NewReader("abcd"), 4)
	assert.ErrorIs(t, err, ErrSessionNotFound, "ready sessions no longer accept chunks")
}

func TestCompleteUploadDetectsGap(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	data := []byte("abcdefghij")
	file := h.start(t, 1, "gap.bin", int64(len(data)))
	h.uploadAll(t, file, data, 0, 2)

	_, err := h.uploads.CompleteUpload(ctx, file.ID, digestOf(data))
	require.ErrorIs(t, err, ErrIncompleteUpload)
	assert.Contains(t, err.Error(), "[1]")

	p, err := h.uploads.GetProgress(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusUploading, p.State)
	assert.Equal(t, []int{0, 2}, p.Uploaded)
	assert.Equal(t, int64(0), h.used(t, 1))
}

func TestChecksumMismatchKeepsUploading(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	data := []byte("abcdefghij")
	file := h.start(t, 1, "sum.bin", int64(len(data)))
	h.uploadAll(t, file, data)

	wrong := digestOf([]byte("something else"))
	_, err := h.uploads.CompleteUpload(ctx, file.ID, wrong)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	got, err := h.uploads.GetSession(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusUploading, got.Status)
	assert.Nil(t, got.Checksum)
	assert.Equal(t, int64(0), h.used(t, 1))

	temps, err := h.store.List(ctx, "temp/")
	require.NoError(t, err)
	assert.Empty(t, temps)
	exists, err := h.store.Exists(ctx, file.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)

	// 分片仍在，使用正确的摘要（大写也可以）可以再次完成
	done, err := h.uploads.CompleteUpload(ctx, file.ID, strings.ToUpper(digestOf(data)))
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusReady, done.Status)
	assert.Equal(t, digestOf(data), *done.Checksum)

	chunks, err := h.store.List(ctx, model.ChunkPrefix(file.ID))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestCompleteUploadRejectsMalformedChecksum(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	file := h.start(t, 1, "a.bin", 0)

	ctx := context.Background()

	_, err := h.uploads.CompleteUpload(ctx, file.ID, "not-a-digest")
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	session, err := h.uploads.GetSession(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusUploading, session.Status)

	// 会话不存在时优先报告 ErrSessionNotFound
	_, err = h.uploads.CompleteUpload(ctx, "missing", "not-a-digest")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCompleteUploadWrongState(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()

	_, err := h.uploads.CompleteUpload(ctx, "missing", digestOf(nil))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	file := h.start(t, 1, "empty.txt", 0)
	done, err := h.uploads.CompleteUpload(ctx, file.ID, digestOf(nil))
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusReady, done.Status)

	_, err = h.uploads.CompleteUpload(ctx, file.ID, digestOf(nil))
	assert.ErrorIs(t, err, ErrWrongState)

	p, err := h.uploads.GetProgress(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(100), p.Percent)
}

func TestCompleteUploadFailsFastWhenLocked(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4, LockWait: 20 * time.Millisecond})
	ctx := context.Background()
	file := h.start(t, 1, "a.bin", 0)

	held, err := h.locker.Acquire(ctx, sessionLockName(file.ID), time.Minute, 0)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = h.uploads.CompleteUpload(ctx, file.ID, digestOf(nil))
	assert.ErrorIs(t, err, ErrLockBusy)
}

func TestConcurrentCompleteSingleWinner(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 1024})
	ctx := context.Background()
	data := bytes.Repeat([]byte("z"), 4096)
	file := h.start(t, 1, "race.bin", int64(len(data)))
	h.uploadAll(t, file, data)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.uploads.CompleteUpload(ctx, file.ID, digestOf(data))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrWrongState) || errors.Is(err, ErrLockBusy), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, int64(len(data)), h.used(t, 1))
}

func TestCancelUploadIsIdempotent(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	data := []byte("abcdefghij")
	file := h.start(t, 1, "c.bin", int64(len(data)))
	h.uploadAll(t, file, data, 0, 1)

	require.NoError(t, h.uploads.CancelUpload(ctx, file.ID))
	require.NoError(t, h.uploads.CancelUpload(ctx, file.ID))
	require.NoError(t, h.uploads.CancelUpload(ctx, "never-existed"))

	_, err := h.uploads.GetSession(ctx, file.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	chunks, err := h.store.List(ctx, model.ChunkPrefix(file.ID))
	require.NoError(t, err)
	assert.Empty(t, chunks)

	ready := h.start(t, 1, "r.bin", 0)
	_, err = h.uploads.CompleteUpload(ctx, ready.ID, digestOf(nil))
	require.NoError(t, err)
	assert.ErrorIs(t, h.uploads.CancelUpload(ctx, ready.ID), ErrWrongState)
}

func TestGetProgress(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	data := []byte("abcdefghij")
	file := h.start(t, 1, "p.bin", int64(len(data)))

	p, err := h.uploads.GetProgress(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.ReceivedChunks)
	assert.Equal(t, 3, p.TotalChunks)
	assert.Equal(t, float64(0), p.Percent)

	h.uploadAll(t, file, data, 1)
	p, err = h.uploads.GetProgress(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ReceivedChunks)
	assert.Equal(t, 33.33, p.Percent)

	_, err = h.uploads.GetProgress(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUploadTenMiBEndToEnd(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 5 * 1024 * 1024})
	ctx := context.Background()

	total := int64(20 * 1024 * 1024)
	require.NoError(t, h.quotas.SetTotal(ctx, 1, &total))
	before := h.used(t, 1)

	file, err := h.uploads.StartUpload(ctx, StartUploadRequest{OwnerID: 1, FileName: "a.bin", TotalSize: 10_485_760})
	require.NoError(t, err)
	require.Equal(t, 2, file.TotalChunks())

	first := bytes.Repeat([]byte{0x41}, 5*1024*1024)
	second := bytes.Repeat([]byte{0x42}, 5*1024*1024)

	p, err := h.uploads.AcceptChunk(ctx, file.ID, 0, bytes.NewReader(first), int64(len(first)))
	require.NoError(t, err)
	assert.Equal(t, float64(50), p.Percent)
	p, err = h.uploads.AcceptChunk(ctx, file.ID, 1, bytes.NewReader(second), int64(len(second)))
	require.NoError(t, err)
	assert.Equal(t, float64(100), p.Percent)

	whole := append(append([]byte{}, first...), second...)
	done, err := h.uploads.CompleteUpload(ctx, file.ID, digestOf(whole))
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusReady, done.Status)
	require.NotNil(t, done.CompletedAt)

	size, err := h.store.Size(ctx, file.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, int64(10_485_760), size)
	assert.Equal(t, before+10_485_760, h.used(t, 1))

	chunks, err := h.store.List(ctx, model.ChunkPrefix(file.ID))
	require.NoError(t, err)
	assert.Empty(t, chunks)

	h.audit.Close()
	logs, err := h.auditRepo.FindByResource(ctx, file.ID, 10)
	require.NoError(t, err)
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.ElementsMatch(t, []string{model.AuditUploadStart, model.AuditUpload}, actions)
}

func TestStartUploadRejectsOverflowingSize(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()

	total := int64(100)
	require.NoError(t, h.quotas.SetTotal(ctx, 1, &total))
	require.NoError(t, h.quotas.Commit(ctx, 1, 1))

	_, err := h.uploads.StartUpload(ctx, StartUploadRequest{OwnerID: 1, FileName: "huge.bin", TotalSize: math.MaxInt64})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int64(1), h.used(t, 1))
}

// flakyStore 让 temp/ 下的写入写到一半失败，或让 Move 失败。
type flakyStore struct {
	storage.BlobStore

	mu        sync.Mutex
	failWrite bool
	failMove  bool
}

func (s *flakyStore) set(write, move bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite, s.failMove = write, move
}

func (s *flakyStore) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	s.mu.Lock()
	fail := s.failWrite && strings.HasPrefix(key, "temp/")
	s.mu.Unlock()
	if !fail {
		return s.BlobStore.Write(ctx, key, r, size)
	}
	if err := s.BlobStore.Write(ctx, key, io.LimitReader(r, size/2), -1); err != nil {
		return err
	}
	return errors.New("disk full")
}

func (s *flakyStore) Move(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	fail := s.failMove
	s.mu.Unlock()
	if fail {
		return errors.New("boom")
	}
	return s.BlobStore.Move(ctx, src, dst)
}

func TestCompleteUploadStorageFailureKeepsSession(t *testing.T) {
	cases := []struct {
		name        string
		write, move bool
	}{
		{"assemble write fails", true, false},
		{"move fails", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flaky := &flakyStore{}
			h := newHarnessWithStore(t, UploadOptions{ChunkSize: 4}, func(s storage.BlobStore) storage.BlobStore {
				flaky.BlobStore = s
				return flaky
			})
			ctx := context.Background()

			data := []byte("0123456789")
			file := h.start(t, 1, "a.bin", int64(len(data)))
			h.uploadAll(t, file, data)

			flaky.set(tc.write, tc.move)
			_, err := h.uploads.CompleteUpload(ctx, file.ID, digestOf(data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrStorageFailure)

			session, err := h.uploads.GetSession(ctx, file.ID)
			require.NoError(t, err)
			assert.Equal(t, model.FileStatusUploading, session.Status)
			assert.Equal(t, int64(0), h.used(t, 1))

			temps, err := h.store.List(ctx, "temp/")
			require.NoError(t, err)
			assert.Empty(t, temps)
			exists, err := h.store.Exists(ctx, file.StorageKey)
			require.NoError(t, err)
			assert.False(t, exists)

			// 分片保留，存储恢复后可以重试
			flaky.set(false, false)
			done, err := h.uploads.CompleteUpload(ctx, file.ID, digestOf(data))
			require.NoError(t, err)
			assert.Equal(t, model.FileStatusReady, done.Status)
			assert.Equal(t, int64(len(data)), h.used(t, 1))

			got, err := h.store.Read(ctx, file.StorageKey)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestUploadDirect(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	data := []byte("direct upload body")

	file, err := h.uploads.UploadDirect(ctx, StartUploadRequest{OwnerID: 1, FileName: "direct.txt", TotalSize: int64(len(data))}, bytes.NewReader(data), "")
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusReady, file.Status)
	require.NotNil(t, file.Checksum)
	assert.Equal(t, digestOf(data), *file.Checksum)
	assert.Equal(t, int64(len(data)), h.used(t, 1))

	stored, err := h.store.Read(ctx, file.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
	chunks, err := h.store.List(ctx, "chunks/")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	// 客户端提供摘要时同样校验
	withDigest, err := h.uploads.UploadDirect(ctx, StartUploadRequest{OwnerID: 1, FileName: "d2.txt", TotalSize: int64(len(data))},
		bytes.NewReader(data), strings.ToUpper(digestOf(data)))
	require.NoError(t, err)
	assert.Equal(t, digestOf(data), *withDigest.Checksum)
}

func TestUploadDirectFailuresLeaveNothing(t *testing.T) {
	h := newHarness(t, UploadOptions{ChunkSize: 4})
	ctx := context.Background()
	data := []byte("0123456789")

	cases := map[string]struct {
		size   int64
		body   []byte
		digest string
		want   error
	}{
		"digest mismatch": {size: 10, body: data, digest: digestOf([]byte("other")), want: ErrChecksumMismatch},
		"short body":      {size: 12, body: data, want: ErrInvalidRequest},
		"long body":       {size: 8, body: data, want: ErrInvalidRequest},
		"malformed":       {size: 10, body: data, digest: "xyz", want: ErrInvalidRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.uploads.UploadDirect(ctx, StartUploadRequest{OwnerID: 1, FileName: name + ".bin", TotalSize: tc.size},
				bytes.NewReader(tc.body), tc.digest)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	files, err := h.uploadRepo.FindByOwner(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, files)
	chunks, err := h.store.List(ctx, "chunks/")
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Equal(t, int64(0), h.used(t, 1))
}
