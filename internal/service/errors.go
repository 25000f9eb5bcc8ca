// Package service 包含了应用的业务逻辑层。
package service

import (
	"errors"
	"fmt"

	"fastdrop-go/pkg/lock"
)

var (
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrWrongState       = errors.New("upload session is in the wrong state")
	ErrInvalidChunk     = errors.New("invalid chunk")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrIncompleteUpload = errors.New("upload is incomplete")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrFileNotFound     = errors.New("file not found")
	ErrForbidden        = errors.New("forbidden")
	// ErrTokenInvalid 覆盖不存在、已撤销、已过期和次数用尽的分享链接，不区分原因。
	ErrTokenInvalid     = errors.New("download link is invalid or expired")
	ErrPasswordRequired = errors.New("download password required or incorrect")
	ErrIPNotAllowed     = errors.New("client address is not allowed")
	// ErrLockBusy 表示会话正被另一个完成或取消操作持有。
	ErrLockBusy = lock.ErrLockBusy
	// ErrStorageFailure 通过 errors.Is 匹配所有 *StorageError。
	ErrStorageFailure = errors.New("storage failure")
)

// StorageError 包装了 Blob 存储返回的错误，并记录失败的操作与 key。
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
