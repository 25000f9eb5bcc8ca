package model

import (
	"net/netip"
	"path"
	"strings"
	"time"
)

// DownloadToken 定义了 download_tokens 表的 ORM 模型，即一个文件的分享链接。
// 明文 token 只在创建时返回一次，库中只保存它的 SHA-256。
type DownloadToken struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID         string     `gorm:"type:char(36);not null;index" json:"fileId"`
	TokenHash      string     `gorm:"type:char(64);not null;uniqueIndex" json:"-"`
	ExpiresAt      time.Time  `gorm:"not null;index" json:"expiresAt"`
	MaxDownloads   int        `gorm:"not null" json:"maxDownloads"`
	DownloadsCount int        `gorm:"not null;default:0" json:"downloadsCount"`
	PasswordHash   *string    `gorm:"type:varchar(255)" json:"-"`
	IPWhitelist    []string   `gorm:"type:text;serializer:json" json:"ipWhitelist"`
	CreatedBy      uint       `gorm:"not null" json:"createdBy"`
	Revoked        bool       `gorm:"not null;default:false" json:"revoked"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	LastUsedAt     *time.Time `gorm:"default:null" json:"lastUsedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (DownloadToken) TableName() string {
	return "download_tokens"
}

func (t *DownloadToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *DownloadToken) Exhausted() bool {
	return t.DownloadsCount >= t.MaxDownloads
}

// Active 报告链接当前是否还能下载。
func (t *DownloadToken) Active(now time.Time) bool {
	return !t.Revoked && !t.Expired(now) && !t.Exhausted()
}

// Remaining 返回剩余的下载次数。
func (t *DownloadToken) Remaining() int {
	if n := t.MaxDownloads - t.DownloadsCount; n > 0 {
		return n
	}
	return 0
}

func (t *DownloadToken) RequiresPassword() bool {
	return t.PasswordHash != nil
}

// AllowsIP 检查客户端 IP 是否在白名单内。白名单为空时不限制。
// 条目可以是精确地址、CIDR（10.0.0.0/8）或通配符（192.168.1.*）。
func (t *DownloadToken) AllowsIP(clientIP string) bool {
	if len(t.IPWhitelist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range t.IPWhitelist {
		entry = strings.TrimSpace(entry)
		switch {
		case strings.Contains(entry, "/"):
			if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
				return true
			}
		case strings.Contains(entry, "*"):
			if ok, _ := path.Match(entry, addr.String()); ok {
				return true
			}
		default:
			if allowed, err := netip.ParseAddr(entry); err == nil && allowed.Unmap() == addr {
				return true
			}
		}
	}
	return false
}

// ValidIPPattern 检查白名单条目的格式。
func ValidIPPattern(entry string) bool {
	entry = strings.TrimSpace(entry)
	switch {
	case entry == "":
		return false
	case strings.Contains(entry, "/"):
		_, err := netip.ParsePrefix(entry)
		return err == nil
	case strings.Contains(entry, "*"):
		_, err := path.Match(entry, "")
		return err == nil
	default:
		_, err := netip.ParseAddr(entry)
		return err == nil
	}
}
