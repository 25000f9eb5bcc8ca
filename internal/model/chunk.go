package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ChunkRecord 描述存储中的一个分片。它不入库，接收状态完全由存储中的 key 推导。
type ChunkRecord struct {
	SessionID string
	Index     int
	Size      int64
	Key       string
}

var chunkName = regexp.MustCompile(`/chunk_(\d+)$`)

// ChunkPrefix 返回会话分片所在的 key 前缀。
func ChunkPrefix(sessionID string) string {
	return "chunks/" + sessionID + "/"
}

// ChunkKey 返回会话第 index 个分片的 key。
func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("chunks/%s/chunk_%d", sessionID, index)
}

// ParseChunkIndex 从分片 key 中解析出序号，不符合命名规则的 key 返回 false。
func ParseChunkIndex(key string) (int, bool) {
	m := chunkName.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// ParseChunkSession 从分片 key 中解析出会话 ID。
func ParseChunkSession(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "chunks/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	return id, ok && id != ""
}

// TempKey 返回合并时使用的临时 key。
func TempKey(sessionID, nonce string) string {
	return "temp/" + sessionID + "_" + nonce
}

// ParseTempSession 从临时 key 中解析会话 ID。
func ParseTempSession(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "temp/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "_")
	return id, ok && id != ""
}
