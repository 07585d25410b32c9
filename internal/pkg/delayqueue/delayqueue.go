package delayqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyScheduled 是延迟队列使用的有序集合，score 为到期时间戳（秒）。
const KeyScheduled = "bidkeeper:schedule:due"

var ErrInvalidTaskID = errors.New("task id is empty or zero")

// Queue 基于 Redis ZSET 实现任务的延迟执行。
//
// 每个任务在集合中最多存在一个条目，重复 Enqueue 会覆盖到期时间，
// 因此同一个任务不会被并发执行两次。api 与 bidder 进程共享同一个集合。
type Queue struct {
	rdb *redis.Client
}

// NewQueue 创建延迟队列客户端。
func NewQueue(rdb *redis.Client) (*Queue, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Queue{rdb: rdb}, nil
}

// popDueScript 原子性地取出所有到期成员并从集合中删除。
// 取出与删除必须在同一脚本内完成，否则两个 bidder 实例会弹出同一批任务。
// KEYS[1] = scheduled zset
// ARGV[1] = now (unix seconds), ARGV[2] = limit
var popDueScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
	if #due > 0 then
		redis.call('ZREM', KEYS[1], unpack(due))
	end
	return due
`)

// Enqueue 将任务安排在 delay 之后执行。
//
// 若任务已在队列中，则更新其到期时间（后写覆盖）。
func (q *Queue) Enqueue(ctx context.Context, taskID uint, delay time.Duration) error {
	if taskID == 0 {
		return ErrInvalidTaskID
	}
	if delay < 0 {
		delay = 0
	}
	due := float64(time.Now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, KeyScheduled, redis.Z{
		Score:  due,
		Member: strconv.FormatUint(uint64(taskID), 10),
	}).Err(); err != nil {
		return fmt.Errorf("zadd scheduled: %w", err)
	}
	return nil
}

// PopDue 取出最多 limit 个已到期的任务 ID。
//
// 无到期任务时返回空切片，不报错。
func (q *Queue) PopDue(ctx context.Context, limit int) ([]uint, error) {
	if limit <= 0 {
		limit = 1
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	raw, err := popDueScript.Run(ctx, q.rdb, []string{KeyScheduled}, now, limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pop due script: %w", err)
	}

	ids := make([]uint, 0, len(raw))
	for _, member := range raw {
		id, convErr := strconv.ParseUint(member, 10, 32)
		if convErr != nil || id == 0 {
			continue
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

// Remove 将任务从队列中移除（删除任务时清理残留）。
func (q *Queue) Remove(ctx context.Context, taskID uint) error {
	if taskID == 0 {
		return ErrInvalidTaskID
	}
	member := strconv.FormatUint(uint64(taskID), 10)
	if err := q.rdb.ZRem(ctx, KeyScheduled, member).Err(); err != nil {
		return fmt.Errorf("zrem scheduled: %w", err)
	}
	return nil
}

// Depth 返回当前排期中的任务数量。
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, KeyScheduled).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard scheduled: %w", err)
	}
	return n, nil
}

// Contains 判断任务是否在排期中。
func (q *Queue) Contains(ctx context.Context, taskID uint) (bool, error) {
	member := strconv.FormatUint(uint64(taskID), 10)
	_, err := q.rdb.ZScore(ctx, KeyScheduled, member).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("zscore scheduled: %w", err)
	}
	return true, nil
}

// RunDelay 返回下一次常规执行的延迟：基准间隔加 [-30s, +60s) 的随机抖动。
// 抖动让同一账号下的任务在时间上错开，避免批量打到 API 上。
func RunDelay(base time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(90*time.Second))) - 30*time.Second
	d := base + jitter
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

// InitialDelay 返回新任务首次执行的延迟，3 到 8 分钟之间随机。
// 创建任务后立刻执行容易和用户在后台的连续编辑互相踩踏。
func InitialDelay() time.Duration {
	return 3*time.Minute + time.Duration(rand.Int63n(int64(5*time.Minute)))
}
