package model

import "time"

// QuotaAccount 定义了 quota_accounts 表的 ORM 模型，每个用户一行。
// TotalBytes 为 nil 表示不限额；没有记录的用户视为不限额且已用为 0。
type QuotaAccount struct {
	OwnerID    uint      `gorm:"primaryKey;autoIncrement:false" json:"ownerId"`
	TotalBytes *int64    `json:"totalBytes"`
	UsedBytes  int64     `gorm:"not null;default:0" json:"usedBytes"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (QuotaAccount) TableName() string {
	return "quota_accounts"
}

// Admits 判断再增加 size 字节后是否仍在限额之内。
func (q QuotaAccount) Admits(size int64) bool {
	if q.TotalBytes == nil {
		return true
	}
	if size < 0 {
		return false
	}
	// 以减法比较，size 接近 int64 上限时不会溢出
	return size <= *q.TotalBytes-q.UsedBytes
}
