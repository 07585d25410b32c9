package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"bidkeeper/internal/model"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("record not found")

// ErrAccountInUse 表示账号仍被任务引用，不能删除。
var ErrAccountInUse = errors.New("account still referenced by tasks")

// TaskStore 是任务读写的窄接口，controller 与 api 都只依赖它。
type TaskStore interface {
	GetTask(ctx context.Context, id uint) (*model.BiddingTask, error)
	ListTasks(ctx context.Context) ([]model.BiddingTask, error)
	CreateTask(ctx context.Context, task *model.BiddingTask) error
	UpdateTaskConfig(ctx context.Context, id uint, updates map[string]interface{}) error
	SetTaskActive(ctx context.Context, id uint, active bool) error
	UpdateTaskDetails(ctx context.Context, id uint, title, imageURL string) error
	UpdateTaskObservation(ctx context.Context, id uint, price *float64, position *int, ranAt time.Time) error
	DeleteTask(ctx context.Context, id uint) error
	StaleActiveTasks(ctx context.Context, olderThan time.Time) ([]model.BiddingTask, error)
	CountActiveTasks(ctx context.Context) (int64, error)
}

// LogStore 是任务日志的窄接口。
type LogStore interface {
	Append(ctx context.Context, taskID uint, level, message string) error
	Latest(ctx context.Context, taskID uint) (*model.TaskLog, error)
	List(ctx context.Context, taskID uint, limit int) ([]model.TaskLog, error)
}

// AccountStore 账号凭据读写。
type AccountStore interface {
	GetAccount(ctx context.Context, id uint) (*model.AvitoAccount, error)
	ListAccounts(ctx context.Context) ([]model.AvitoAccount, error)
	CreateAccount(ctx context.Context, acc *model.AvitoAccount) error
	DeleteAccount(ctx context.Context, id uint) error
	SetAccountUserID(ctx context.Context, id uint, userID int64) error
}

// Store 是基于 gorm 的统一实现。
type Store struct {
	db *gorm.DB
}

// New 创建 Store 并执行自动迁移。
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := db.AutoMigrate(&model.AvitoAccount{}, &model.BiddingTask{}, &model.TaskLog{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithoutMigrate 创建 Store 但跳过迁移（api 进程已迁移过时 bidder 使用）。
func NewWithoutMigrate(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetTask(ctx context.Context, id uint) (*model.BiddingTask, error) {
	var task model.BiddingTask
	err := s.db.WithContext(ctx).Preload("Account").First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]model.BiddingTask, error) {
	tasks := []model.BiddingTask{}
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) CreateTask(ctx context.Context, task *model.BiddingTask) error {
	return s.db.WithContext(ctx).Create(task).Error
}

// UpdateTaskConfig 更新用户可编辑的字段。调用方负责构造合法的 updates 映射。
func (s *Store) UpdateTaskConfig(ctx context.Context, id uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&model.BiddingTask{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetTaskActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&model.BiddingTask{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateTaskDetails(ctx context.Context, id uint, title, imageURL string) error {
	return s.db.WithContext(ctx).Model(&model.BiddingTask{}).Where("id = ?", id).Updates(map[string]interface{}{
		"title":     title,
		"image_url": imageURL,
	}).Error
}

// UpdateTaskObservation 回写控制循环的观测结果。
//
// price / position 为 nil 时保留旧值不动，LastRunAt 总是更新。
func (s *Store) UpdateTaskObservation(ctx context.Context, id uint, price *float64, position *int, ranAt time.Time) error {
	updates := map[string]interface{}{
		"last_run_at": ranAt,
	}
	if price != nil {
		updates["current_price"] = *price
	}
	if position != nil {
		updates["current_position"] = *position
	}
	return s.db.WithContext(ctx).Model(&model.BiddingTask{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) DeleteTask(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&model.TaskLog{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.BiddingTask{}, id).Error
	})
}

// StaleActiveTasks 返回活跃但长时间没有执行记录的任务，供看门狗补救。
func (s *Store) StaleActiveTasks(ctx context.Context, olderThan time.Time) ([]model.BiddingTask, error) {
	tasks := []model.BiddingTask{}
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("last_run_at IS NULL OR last_run_at < ?", olderThan).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) CountActiveTasks(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.BiddingTask{}).Where("is_active = ?", true).Count(&n).Error
	return n, err
}

func (s *Store) Append(ctx context.Context, taskID uint, level, message string) error {
	entry := model.TaskLog{
		TaskID:  taskID,
		Level:   level,
		Message: message,
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// Latest 返回任务最新的一条日志，没有日志时返回 ErrNotFound。
func (s *Store) Latest(ctx context.Context, taskID uint) (*model.TaskLog, error) {
	var entry model.TaskLog
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC, id DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) List(ctx context.Context, taskID uint, limit int) ([]model.TaskLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	logs := []model.TaskLog{}
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) GetAccount(ctx context.Context, id uint) (*model.AvitoAccount, error) {
	var acc model.AvitoAccount
	err := s.db.WithContext(ctx).First(&acc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.AvitoAccount, error) {
	accounts := []model.AvitoAccount{}
	if err := s.db.WithContext(ctx).Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc *model.AvitoAccount) error {
	return s.db.WithContext(ctx).Create(acc).Error
}

// DeleteAccount 删除账号，仍有任务引用时拒绝。
func (s *Store) DeleteAccount(ctx context.Context, id uint) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.BiddingTask{}).Where("account_id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return ErrAccountInUse
	}
	res := s.db.WithContext(ctx).Delete(&model.AvitoAccount{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetAccountUserID(ctx context.Context, id uint, userID int64) error {
	return s.db.WithContext(ctx).Model(&model.AvitoAccount{}).Where("id = ?", id).Update("user_id", userID).Error
}
