package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fastdrop-go/internal/model"
	"fastdrop-go/pkg/storage"
)

// Assembler 按序号顺序把分片拼接成一个对象。
type Assembler struct {
	store storage.BlobStore
}

// NewAssembler 创建一个 Assembler。
func NewAssembler(store storage.BlobStore) *Assembler {
	return &Assembler{store: store}
}

// CheckComplete 确认已接收的分片恰好是 0..total-1，且总长度等于 size。
// chunks 必须已按序号升序排列。
func (a *Assembler) CheckComplete(chunks []model.ChunkRecord, total int, size int64) error {
	present := make(map[int]bool, len(chunks))
	var sum int64
	for _, c := range chunks {
		if c.Index >= total {
			return fmt.Errorf("%w: unexpected chunk %d beyond %d chunks", ErrIncompleteUpload, c.Index, total)
		}
		present[c.Index] = true
		sum += c.Size
	}

	var missing []string
	for i := 0; i < total; i++ {
		if !present[i] {
			missing = append(missing, strconv.Itoa(i))
		}
	}
	if len(missing) > 0 {
		if len(missing) > 20 {
			missing = append(missing[:20], "...")
		}
		return fmt.Errorf("%w: missing chunks [%s] of %d", ErrIncompleteUpload, strings.Join(missing, ","), total)
	}
	if sum != size {
		return fmt.Errorf("%w: received %d bytes, expected %d", ErrIncompleteUpload, sum, size)
	}
	return nil
}

// Assemble 把 chunks 依次流式写入 dstKey，同时把相同的字节写入 sink（通常是摘要计算器）。
// 拼接过程不会把整个文件读入内存：读取端在单独的 goroutine 中通过 io.Pipe 喂给存储的写入端。
func (a *Assembler) Assemble(ctx context.Context, chunks []model.ChunkRecord, dstKey string, size int64, sink io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		buf := make([]byte, readBufferSize)
		out := io.MultiWriter(pw, sink)
		for _, c := range chunks {
			rc, err := a.store.ReadStream(ctx, c.Key)
			if err != nil {
				err = storageErr("read", c.Key, err)
				pw.CloseWithError(err)
				done <- err
				return
			}
			_, err = io.CopyBuffer(out, struct{ io.Reader }{rc}, buf)
			_ = rc.Close()
			if err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					err = storageErr("read", c.Key, err)
				}
				pw.CloseWithError(err)
				done <- err
				return
			}
		}
		done <- pw.Close()
	}()

	writeErr := a.store.Write(ctx, dstKey, pr, size)
	// 写入端提前返回时，关闭读取端让 goroutine 退出
	_ = pr.CloseWithError(io.ErrClosedPipe)
	readErr := <-done

	if readErr != nil && !errors.Is(readErr, io.ErrClosedPipe) {
		return readErr
	}
	return storageErr("write", dstKey, writeErr)
}
