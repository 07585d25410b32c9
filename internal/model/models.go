package model

import (
	"time"
)

// 日志级别常量，与前端展示的颜色一一对应。
const (
	LogLevelInfo    = "INFO"
	LogLevelWarning = "WARNING"
	LogLevelError   = "ERROR"
)

// BiddingTask 表示一个广告位竞价任务。
//
// 每个任务绑定一条 Avito 广告 (AdID) 和一个账号，目标是把广告保持在
// [TargetPositionMin, TargetPositionMax] 的展示位置区间内，同时让出价尽量低。
// CurrentPrice / CurrentPosition / LastRunAt 是控制循环回写的观测状态，
// 其余字段由用户配置。
type BiddingTask struct {
	ID        uint      `gorm:"primaryKey"` // 任务唯一标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	AccountID uint         `gorm:"not null;index"`       // 所属 Avito 账号 ID
	Account   AvitoAccount `gorm:"foreignKey:AccountID"` // 所属账号

	AdID      int64  `gorm:"not null;index"` // Avito 广告 ID
	Title     string // 广告标题（从商品接口同步，仅展示用）
	ImageURL  string // 广告主图（仅展示用）
	SearchURL string // 搜索结果页 URL，位置抓取回退策略使用；为空则只依赖竞价表

	MinPrice float64 `gorm:"not null"` // 出价下限（卢布）
	MaxPrice float64 `gorm:"not null"` // 出价上限（卢布）
	BidStep  float64 `gorm:"not null"` // 步进出价幅度（卢布）

	TargetPositionMin int `gorm:"not null"` // 目标位置区间上沿（更靠前）
	TargetPositionMax int `gorm:"not null"` // 目标位置区间下沿

	DailyBudget float64 // 日预算（卢布，0 表示不限），仅透传给市场接口
	Schedule    string  `gorm:"type:text"` // 调度窗口 JSON，空表示全天生效

	FreezeIfNotFound bool `gorm:"default:false"` // 搜索不到广告时是否冻结（不改价）
	IsActive         bool `gorm:"default:true"`  // 任务开关

	CurrentPrice    *float64   // 最近一次确认的出价
	CurrentPosition *int       // 最近一次观测到的位置
	LastRunAt       *time.Time // 最近一次控制循环完成时间
}

// AvitoAccount 表示一个 Avito API 账号。
//
// ClientID / ClientSecret 用于 OAuth client_credentials 换取访问令牌，
// 对控制循环而言是不透明凭据。
type AvitoAccount struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Name         string `gorm:"not null"`                        // 账号备注名
	ClientID     string `gorm:"type:varchar(191);not null"`      // API client_id
	ClientSecret string `gorm:"type:varchar(191);not null"`      // API client_secret
	UserID       int64  // Avito 侧的用户 ID（首次鉴权后回填）
}

// TaskLog 是任务执行日志，追加写入。
//
// 控制循环每次执行至少写一条；最新一条的时间戳同时充当最小执行间隔的判据。
type TaskLog struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`

	TaskID  uint   `gorm:"not null;index"` // 所属任务 ID
	Level   string `gorm:"type:varchar(16);not null"` // INFO / WARNING / ERROR
	Message string `gorm:"type:text"` // 人类可读的执行描述
}
