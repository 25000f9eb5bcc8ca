package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// LocalStore 是基于 afero 文件系统的 BlobStore 实现，key 中的 "/" 映射为目录层级。
// 生产环境使用 afero.NewOsFs()，测试使用 afero.NewMemMapFs()。
type LocalStore struct {
	fs   afero.Fs
	root string
}

// NewLocalStore 创建一个以 root 为根目录的本地存储。
func NewLocalStore(fsys afero.Fs, root string) (*LocalStore, error) {
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录 %s 失败: %w", root, err)
	}
	return &LocalStore{fs: fsys, root: root}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("无效的对象 key: %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrObjectNotFound
	}
	return err
}

// Write 先写入同目录下的临时文件再 Rename，读者不会看到写了一半的对象。
func (s *LocalStore) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tmp := p + ".tmp-" + uuid.NewString()
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	written, copyErr := io.Copy(f, ctxReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if copyErr == nil && closeErr == nil && size >= 0 && written != size {
		copyErr = fmt.Errorf("写入对象 %s 长度不符: 期望 %d, 实际 %d", key, size, written)
	}
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("写入对象 %s 失败: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Read(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return nil, notFound(err)
	}
	return data, nil
}

func (s *LocalStore) ReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("删除对象 %s 失败: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Size(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalStore) Size(ctx context.Context, key string) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		return 0, notFound(err)
	}
	if info.IsDir() {
		return 0, ErrObjectNotFound
	}
	return info.Size(), nil
}

// List 只遍历 prefix 所在的目录，而不是整个根目录。
func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	dir := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+prefix[:i])))
	}

	var objects []ObjectInfo
	err := afero.Walk(s.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || strings.Contains(info.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, ObjectInfo{Key: key, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("列出前缀 %s 下的对象失败: %w", prefix, err)
	}
	return objects, nil
}

func (s *LocalStore) Move(ctx context.Context, src, dst string) error {
	from, err := s.path(src)
	if err != nil {
		return err
	}
	to, err := s.path(dst)
	if err != nil {
		return err
	}
	if _, err := s.fs.Stat(from); err != nil {
		return notFound(err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	if err := s.fs.Rename(from, to); err != nil {
		return fmt.Errorf("移动对象 %s -> %s 失败: %w", src, dst, err)
	}
	return nil
}

// ctxReader 在每次 Read 前检查 ctx，使长时间的写入可以被取消。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
