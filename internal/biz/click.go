package biz

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Click 推广链接点击记录，只追加，仅用于聚合计数
type Click struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	LinkID      int64     `gorm:"column:link_id;not null;index" json:"link_id"`
	Fingerprint string    `gorm:"column:fingerprint;type:varchar(64)" json:"fingerprint,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 指定表名
func (Click) TableName() string {
	return "affiliate_clicks"
}

// ClickRepository 点击记录数据访问接口
type ClickRepository interface {
	Create(ctx context.Context, click *Click) error
	CountByReferrer(ctx context.Context, referrerUserID int64) (int64, error)
	CountByLinkIDs(ctx context.Context, linkIDs []int64) (map[int64]int64, error)
}

// hashFingerprint 访客指纹只保存摘要，不落原始值
func hashFingerprint(fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}
