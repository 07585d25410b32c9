package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bidkeeper/internal/api/middleware"
	"bidkeeper/internal/config"
	"bidkeeper/internal/controller"
	"bidkeeper/internal/market"
	"bidkeeper/internal/model"
	"bidkeeper/internal/pkg/delayqueue"
	"bidkeeper/internal/pkg/metrics"
	"bidkeeper/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、延迟队列以及 Gin 路由引擎，
// 对存储和队列只依赖窄接口，方便测试替换。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	router *gin.Engine

	tasks    TaskStore
	logs     LogStore
	accounts AccountStore
	schedule Scheduler
	market   MarketInfo
	watchdog *controller.Watchdog
}

// TaskStore API 层用到的任务存储操作。
type TaskStore interface {
	GetTask(ctx context.Context, id uint) (*model.BiddingTask, error)
	ListTasks(ctx context.Context) ([]model.BiddingTask, error)
	CreateTask(ctx context.Context, task *model.BiddingTask) error
	UpdateTaskConfig(ctx context.Context, id uint, updates map[string]interface{}) error
	SetTaskActive(ctx context.Context, id uint, active bool) error
	UpdateTaskDetails(ctx context.Context, id uint, title, imageURL string) error
	DeleteTask(ctx context.Context, id uint) error
}

// LogStore 任务日志读取。
type LogStore interface {
	List(ctx context.Context, taskID uint, limit int) ([]model.TaskLog, error)
}

// AccountStore 账号管理。
type AccountStore interface {
	GetAccount(ctx context.Context, id uint) (*model.AvitoAccount, error)
	ListAccounts(ctx context.Context) ([]model.AvitoAccount, error)
	CreateAccount(ctx context.Context, acc *model.AvitoAccount) error
	DeleteAccount(ctx context.Context, id uint) error
	SetAccountUserID(ctx context.Context, id uint, userID int64) error
}

// Scheduler 延迟队列的排期操作。
type Scheduler interface {
	Enqueue(ctx context.Context, taskID uint, delay time.Duration) error
	Remove(ctx context.Context, taskID uint) error
}

// MarketInfo 商品详情刷新用到的市场操作。
type MarketInfo interface {
	Token(ctx context.Context, clientID, clientSecret string) (string, error)
	AccountID(ctx context.Context, token string) (int64, error)
	ItemInfo(ctx context.Context, token string, userID, adID int64) (*market.ItemDetails, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis 并创建延迟队列
// 3. 创建市场客户端（商品详情刷新用，直连不走代理池）
// 4. 初始化 Gin 路由引擎
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, err
	}

	st, err := store.New(db)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	queue, err := delayqueue.NewQueue(rdb)
	if err != nil {
		return nil, err
	}

	metrics.InitMetrics(cfg.App.WorkerPoolSize)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		router:   r,
		tasks:    st,
		logs:     st,
		accounts: st,
		schedule: queue,
		market:   market.NewClient(&cfg.Market, nil, nil, logger),
		watchdog: controller.NewWatchdog(&cfg.App, st, queue, logger),
	}
	s.registerRoutes()
	return s, nil
}

// Run 启动看门狗和 HTTP 服务器。
func (s *Server) Run() error {
	s.StartWatchdog(context.Background())

	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartWatchdog 后台启动失联任务看门狗。
func (s *Server) StartWatchdog(ctx context.Context) {
	if s.watchdog == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in watchdog", slog.Any("panic", r))
			}
		}()
		s.watchdog.Start(ctx)
	}()
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	s.router.GET("/accounts", s.handleListAccounts)
	s.router.POST("/accounts", s.handleCreateAccount)
	s.router.DELETE("/accounts/:id", s.handleDeleteAccount)

	s.router.GET("/tasks", s.handleListTasks)
	s.router.POST("/tasks", s.handleCreateTask)
	s.router.GET("/tasks/:id", s.handleGetTask)
	s.router.GET("/tasks/:id/logs", s.handleTaskLogs)
	s.router.PATCH("/tasks/:id", s.handleUpdateTask)
	s.router.POST("/tasks/:id/status", s.handleUpdateTaskStatus)
	s.router.POST("/tasks/:id/refresh", s.handleRefreshTask)
	s.router.DELETE("/tasks/:id", s.handleDeleteTask)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ============================================================================
// 账号
// ============================================================================

type createAccountRequest struct {
	Name         string `json:"name" binding:"required"`
	ClientID     string `json:"client_id" binding:"required"`
	ClientSecret string `json:"client_secret" binding:"required"`
}

type accountResponse struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.accounts.ListAccounts(c.Request.Context())
	if err != nil {
		s.logger.Error("list accounts failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list accounts failed"})
		return
	}
	// 凭据不回传
	resp := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, accountResponse{ID: a.ID, Name: a.Name})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acc := model.AvitoAccount{
		Name:         strings.TrimSpace(req.Name),
		ClientID:     strings.TrimSpace(req.ClientID),
		ClientSecret: strings.TrimSpace(req.ClientSecret),
	}
	if err := s.accounts.CreateAccount(c.Request.Context(), &acc); err != nil {
		s.logger.Error("create account failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create account failed"})
		return
	}

	c.JSON(http.StatusCreated, accountResponse{ID: acc.ID, Name: acc.Name})
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	err := s.accounts.DeleteAccount(c.Request.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case errors.Is(err, store.ErrAccountInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "account still referenced by tasks"})
	case err != nil:
		s.logger.Error("delete account failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete account failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	}
}

// ============================================================================
// 任务
// ============================================================================

// createTaskRequest 创建任务的请求参数。
type createTaskRequest struct {
	AccountID         uint    `json:"account_id" binding:"required"`
	AdID              int64   `json:"ad_id" binding:"required"`
	SearchURL         string  `json:"search_url"`
	MinPrice          float64 `json:"min_price" binding:"required"`
	MaxPrice          float64 `json:"max_price" binding:"required"`
	BidStep           float64 `json:"bid_step"`
	TargetPositionMin int     `json:"target_position_min" binding:"required"`
	TargetPositionMax int     `json:"target_position_max" binding:"required"`
	DailyBudget       float64 `json:"daily_budget"`
	Schedule          string  `json:"schedule"`
	FreezeIfNotFound  bool    `json:"freeze_if_not_found"`
	Active            *bool   `json:"active"`
}

func (r *createTaskRequest) validate() string {
	if r.MinPrice <= 0 {
		return "min_price must be positive"
	}
	if r.MaxPrice < r.MinPrice {
		return "max_price must be >= min_price"
	}
	if r.BidStep < 0 {
		return "bid_step must be positive"
	}
	if r.TargetPositionMin < 1 {
		return "target_position_min must be >= 1"
	}
	if r.TargetPositionMax < r.TargetPositionMin {
		return "target_position_max must be >= target_position_min"
	}
	if r.DailyBudget < 0 {
		return "daily_budget must not be negative"
	}
	if strings.TrimSpace(r.Schedule) != "" && !json.Valid([]byte(r.Schedule)) {
		return "schedule must be valid JSON"
	}
	return ""
}

// taskResponse 任务的对外表示。
type taskResponse struct {
	ID                uint       `json:"id"`
	AccountID         uint       `json:"account_id"`
	AdID              int64      `json:"ad_id"`
	Title             string     `json:"title"`
	ImageURL          string     `json:"image_url"`
	SearchURL         string     `json:"search_url"`
	MinPrice          float64    `json:"min_price"`
	MaxPrice          float64    `json:"max_price"`
	BidStep           float64    `json:"bid_step"`
	TargetPositionMin int        `json:"target_position_min"`
	TargetPositionMax int        `json:"target_position_max"`
	DailyBudget       float64    `json:"daily_budget"`
	Schedule          string     `json:"schedule"`
	FreezeIfNotFound  bool       `json:"freeze_if_not_found"`
	IsActive          bool       `json:"is_active"`
	CurrentPrice      *float64   `json:"current_price"`
	CurrentPosition   *int       `json:"current_position"`
	LastRunAt         *time.Time `json:"last_run_at"`
}

func toTaskResponse(t *model.BiddingTask) taskResponse {
	return taskResponse{
		ID:                t.ID,
		AccountID:         t.AccountID,
		AdID:              t.AdID,
		Title:             t.Title,
		ImageURL:          t.ImageURL,
		SearchURL:         t.SearchURL,
		MinPrice:          t.MinPrice,
		MaxPrice:          t.MaxPrice,
		BidStep:           t.BidStep,
		TargetPositionMin: t.TargetPositionMin,
		TargetPositionMax: t.TargetPositionMax,
		DailyBudget:       t.DailyBudget,
		Schedule:          t.Schedule,
		FreezeIfNotFound:  t.FreezeIfNotFound,
		IsActive:          t.IsActive,
		CurrentPrice:      t.CurrentPrice,
		CurrentPosition:   t.CurrentPosition,
		LastRunAt:         t.LastRunAt,
	}
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.tasks.ListTasks(c.Request.Context())
	if err != nil {
		s.logger.Error("list tasks failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list tasks failed"})
		return
	}
	resp := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		resp = append(resp, toTaskResponse(&tasks[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := s.tasks.GetTask(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		s.logger.Error("load task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load task failed"})
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task))
}

type taskLogResponse struct {
	CreatedAt time.Time `json:"created_at"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// handleTaskLogs 返回任务最近的执行日志，新的在前。
//
// GET /tasks/:id/logs?limit=100
func (s *Server) handleTaskLogs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit := parseQueryInt(c, "limit", 100)

	logs, err := s.logs.List(c.Request.Context(), id, limit)
	if err != nil {
		s.logger.Error("list task logs failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list logs failed"})
		return
	}
	resp := make([]taskLogResponse, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, taskLogResponse{CreatedAt: l.CreatedAt, Level: l.Level, Message: l.Message})
	}
	c.JSON(http.StatusOK, resp)
}

// handleCreateTask 创建竞价任务。
//
// POST /tasks
func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	if _, err := s.accounts.GetAccount(c.Request.Context(), req.AccountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "account not found"})
			return
		}
		s.logger.Error("load account failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load account failed"})
		return
	}

	step := req.BidStep
	if step == 0 {
		step = 1
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	task := model.BiddingTask{
		AccountID:         req.AccountID,
		AdID:              req.AdID,
		SearchURL:         strings.TrimSpace(req.SearchURL),
		MinPrice:          req.MinPrice,
		MaxPrice:          req.MaxPrice,
		BidStep:           step,
		TargetPositionMin: req.TargetPositionMin,
		TargetPositionMax: req.TargetPositionMax,
		DailyBudget:       req.DailyBudget,
		Schedule:          req.Schedule,
		FreezeIfNotFound:  req.FreezeIfNotFound,
		IsActive:          active,
	}

	if err := s.tasks.CreateTask(c.Request.Context(), &task); err != nil {
		s.logger.Error("create task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create task failed"})
		return
	}

	// 新任务带随机错峰延迟进入调度，避免批量创建时的请求尖峰
	if task.IsActive {
		if err := s.schedule.Enqueue(c.Request.Context(), task.ID, delayqueue.InitialDelay()); err != nil {
			s.logger.Error("enqueue new task failed",
				slog.Uint64("task_id", uint64(task.ID)),
				slog.String("error", err.Error()))
		}
	}

	c.JSON(http.StatusCreated, gin.H{"id": task.ID})
}

// updateTaskRequest 部分更新，nil 字段不动。
type updateTaskRequest struct {
	SearchURL         *string  `json:"search_url"`
	MinPrice          *float64 `json:"min_price"`
	MaxPrice          *float64 `json:"max_price"`
	BidStep           *float64 `json:"bid_step"`
	TargetPositionMin *int     `json:"target_position_min"`
	TargetPositionMax *int     `json:"target_position_max"`
	DailyBudget       *float64 `json:"daily_budget"`
	Schedule          *string  `json:"schedule"`
	FreezeIfNotFound  *bool    `json:"freeze_if_not_found"`
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.tasks.GetTask(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		s.logger.Error("load task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load task failed"})
		return
	}

	// 合并后整体校验，防止把价格区间改成倒挂
	merged := *task
	updates := map[string]interface{}{}
	if req.SearchURL != nil {
		merged.SearchURL = strings.TrimSpace(*req.SearchURL)
		updates["search_url"] = merged.SearchURL
	}
	if req.MinPrice != nil {
		merged.MinPrice = *req.MinPrice
		updates["min_price"] = *req.MinPrice
	}
	if req.MaxPrice != nil {
		merged.MaxPrice = *req.MaxPrice
		updates["max_price"] = *req.MaxPrice
	}
	if req.BidStep != nil {
		merged.BidStep = *req.BidStep
		updates["bid_step"] = *req.BidStep
	}
	if req.TargetPositionMin != nil {
		merged.TargetPositionMin = *req.TargetPositionMin
		updates["target_position_min"] = *req.TargetPositionMin
	}
	if req.TargetPositionMax != nil {
		merged.TargetPositionMax = *req.TargetPositionMax
		updates["target_position_max"] = *req.TargetPositionMax
	}
	if req.DailyBudget != nil {
		merged.DailyBudget = *req.DailyBudget
		updates["daily_budget"] = *req.DailyBudget
	}
	if req.Schedule != nil {
		merged.Schedule = *req.Schedule
		updates["schedule"] = *req.Schedule
	}
	if req.FreezeIfNotFound != nil {
		updates["freeze_if_not_found"] = *req.FreezeIfNotFound
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no updates"})
		return
	}

	check := createTaskRequest{
		AccountID:         merged.AccountID,
		AdID:              merged.AdID,
		MinPrice:          merged.MinPrice,
		MaxPrice:          merged.MaxPrice,
		BidStep:           merged.BidStep,
		TargetPositionMin: merged.TargetPositionMin,
		TargetPositionMax: merged.TargetPositionMax,
		DailyBudget:       merged.DailyBudget,
		Schedule:          merged.Schedule,
	}
	if msg := check.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	if err := s.tasks.UpdateTaskConfig(c.Request.Context(), id, updates); err != nil {
		s.logger.Error("update task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": true})
}

type updateTaskStatusRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// handleUpdateTaskStatus 启停任务。
//
// 激活时立即排期一次，停用时从队列摘除（执行中的那一轮由控制循环
// 自己发现停用状态后丢弃）。
func (s *Server) handleUpdateTaskStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req updateTaskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.tasks.SetTaskActive(c.Request.Context(), id, *req.Active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.logger.Error("update task status failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	if *req.Active {
		if err := s.schedule.Enqueue(c.Request.Context(), id, 5*time.Second); err != nil {
			s.logger.Error("enqueue activated task failed",
				slog.Uint64("task_id", uint64(id)),
				slog.String("error", err.Error()))
		}
	} else {
		if err := s.schedule.Remove(c.Request.Context(), id); err != nil {
			s.logger.Warn("dequeue deactivated task failed",
				slog.Uint64("task_id", uint64(id)),
				slog.String("error", err.Error()))
		}
	}

	c.JSON(http.StatusOK, gin.H{"active": *req.Active})
}

// handleRefreshTask 从市场同步广告标题和主图。
//
// POST /tasks/:id/refresh
func (s *Server) handleRefreshTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	task, err := s.tasks.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load task failed"})
		return
	}

	acc, err := s.accounts.GetAccount(ctx, task.AccountID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task account missing"})
		return
	}

	token, err := s.market.Token(ctx, acc.ClientID, acc.ClientSecret)
	if err != nil {
		s.logger.Warn("token exchange failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": "marketplace auth failed"})
		return
	}

	// Avito 侧用户 ID 首次换取后回填到账号，后续刷新省一次请求
	userID := acc.UserID
	if userID == 0 {
		userID, err = s.market.AccountID(ctx, token)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "resolve marketplace account failed"})
			return
		}
		if err := s.accounts.SetAccountUserID(ctx, acc.ID, userID); err != nil {
			s.logger.Warn("persist account user id failed", slog.String("error", err.Error()))
		}
	}

	info, err := s.market.ItemInfo(ctx, token, userID, task.AdID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "fetch item details failed"})
		return
	}

	if err := s.tasks.UpdateTaskDetails(ctx, id, info.Title, info.ImageURL); err != nil {
		s.logger.Error("persist task details failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist details failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"title":     info.Title,
		"image_url": info.ImageURL,
		"status":    info.Status,
		"url":       info.URL,
	})
}

// handleDeleteTask 删除任务并从队列摘除。
func (s *Server) handleDeleteTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := s.schedule.Remove(c.Request.Context(), id); err != nil {
		s.logger.Warn("dequeue deleted task failed",
			slog.Uint64("task_id", uint64(id)),
			slog.String("error", err.Error()))
	}

	if err := s.tasks.DeleteTask(c.Request.Context(), id); err != nil {
		s.logger.Error("delete task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete task failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ============================================================================
// 辅助函数
// ============================================================================

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// parseQueryInt 解析查询参数中的整数值。
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}
