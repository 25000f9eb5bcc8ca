// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FileStatus 是文件记录的生命周期状态。
type FileStatus string

const (
	// FileStatusUploading 表示分片仍在接收中，这是唯一可以接受分片、完成或取消的状态。
	FileStatusUploading FileStatus = "uploading"
	// FileStatusReady 表示已完成合并与校验，配额已计入。
	FileStatusReady FileStatus = "ready"
	// FileStatusQuarantine 表示文件被后处理流程隔离，仍占用配额。
	FileStatusQuarantine FileStatus = "quarantine"
	FileStatusDeleted    FileStatus = "deleted"
)

// Finalized 报告该状态下的文件是否已经计入配额。
func (s FileStatus) Finalized() bool {
	return s == FileStatusReady || s == FileStatusQuarantine
}

// File 定义了 files 表的 ORM 模型。
// 上传会话与最终文件共用一条记录，会话 ID 即文件 ID。
type File struct {
	ID          string     `gorm:"type:char(36);primaryKey" json:"id"`
	OwnerID     uint       `gorm:"not null;index" json:"ownerId"`
	FileName    string     `gorm:"type:varchar(255);not null" json:"fileName"`
	TotalSize   int64      `gorm:"not null" json:"totalSize"`
	ChunkSize   int64      `gorm:"not null" json:"chunkSize"`
	Status      FileStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	StorageKey  string     `gorm:"type:varchar(512);not null" json:"-"`
	Checksum    *string    `gorm:"type:char(64)" json:"checksum"`
	Description string     `gorm:"type:varchar(1024)" json:"description,omitempty"`
	ProjectName string     `gorm:"type:varchar(255)" json:"projectName,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	CompletedAt *time.Time `gorm:"default:null" json:"completedAt"`
	ExpiresAt   *time.Time `gorm:"default:null;index" json:"expiresAt"`
}

// TotalChunks 返回该会话需要的分片数，0 字节文件没有分片。
func (f *File) TotalChunks() int {
	if f.TotalSize <= 0 || f.ChunkSize <= 0 {
		return 0
	}
	n := f.TotalSize / f.ChunkSize
	if f.TotalSize%f.ChunkSize != 0 {
		n++
	}
	return int(n)
}

// ExpectedChunkSize 返回第 index 个分片应有的字节数，只有最后一个分片可以比 ChunkSize 小。
func (f *File) ExpectedChunkSize(index int) int64 {
	remaining := f.TotalSize - int64(index)*f.ChunkSize
	if remaining < f.ChunkSize {
		return remaining
	}
	return f.ChunkSize
}

// TableName 指定了此模型在数据库中对应的表名。
func (File) TableName() string {
	return "files"
}

var (
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	safeExtension   = regexp.MustCompile(`^\.[a-z0-9]{1,16}$`)
)

// BuildStorageKey 生成文件的永久存储 key：files/{owner}/{yyyy/mm/dd}/{安全文件名}_{id}{.ext}。
// 文件名中除字母、数字、下划线和短横线以外的字符都替换为下划线。
func BuildStorageKey(ownerID uint, id, fileName string, at time.Time) string {
	ext := strings.ToLower(path.Ext(fileName))
	if !safeExtension.MatchString(ext) {
		ext = ""
	}
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	safe := unsafeNameChars.ReplaceAllString(base, "_")
	if safe == "" {
		safe = "file"
	}
	if len(safe) > 100 {
		safe = safe[:100]
	}
	return path.Join("files", strconv.FormatUint(uint64(ownerID), 10), at.UTC().Format("2006/01/02"), safe+"_"+id+ext)
}
