package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// readBufferSize 是计算摘要和拼接分片时每次读取的字节数。
const readBufferSize = 8 * 1024

// Verifier 计算并比对 SHA-256 摘要。摘要以小写十六进制表示，比对时忽略大小写。
type Verifier struct{}

// NewHash 返回一个新的摘要计算器，供流式拼接时边写边算。
func (Verifier) NewHash() hash.Hash {
	return sha256.New()
}

// Sum 返回 h 当前摘要的小写十六进制表示。
func (Verifier) Sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Digest 以 8 KiB 为单位读取 r 并计算摘要，不会把整个内容读入内存。
func (v Verifier) Digest(r io.Reader) (string, error) {
	h := v.NewHash()
	// 包一层以屏蔽 WriterTo/ReaderFrom，保证按缓冲区大小读取
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{r}, make([]byte, readBufferSize)); err != nil {
		return "", err
	}
	return v.Sum(h), nil
}

// Matches 比较实际摘要与期望摘要，忽略大小写。
func (Verifier) Matches(actual, expected string) bool {
	return strings.ToLower(strings.TrimSpace(actual)) == strings.ToLower(strings.TrimSpace(expected))
}

// Verify 计算 r 的摘要并与 expected 比对，不一致时返回 ErrChecksumMismatch。
func (v Verifier) Verify(r io.Reader, expected string) error {
	actual, err := v.Digest(r)
	if err != nil {
		return err
	}
	if !v.Matches(actual, expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, strings.ToLower(expected), actual)
	}
	return nil
}

// validDigest 检查客户端提供的摘要是否为 64 位十六进制字符串。
func validDigest(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
