package model

import "time"

// 审计动作。
const (
	AuditUploadStart  = "upload_start"
	AuditUpload       = "upload"
	AuditUploadCancel = "upload_cancel"
	AuditDelete       = "delete"
	AuditQuarantine   = "quarantine"
	AuditQuotaUpdate  = "quota_update"
	AuditDownload     = "download"
	AuditShareCreate  = "share_create"
	AuditShareRevoke  = "share_revoke"
)

// AuditLog 定义了 audit_logs 表的 ORM 模型。
type AuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Action     string    `gorm:"type:varchar(32);not null;index" json:"action"`
	ActorID    *uint     `gorm:"index" json:"actorId"`
	ResourceID string    `gorm:"type:varchar(64);index" json:"resourceId"`
	Metadata   string    `gorm:"type:text" json:"metadata"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (AuditLog) TableName() string {
	return "audit_logs"
}
