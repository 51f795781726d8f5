// Package task 基于 KeyDB/Redis 的任务存储，读路径走 cache-aside
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrInvalidID = errors.New("task id must not contain ':'")
)

const (
	DefaultCacheTTL = time.Hour

	listCacheKey = "tasks:all"
	keyPrefix    = "task:"
	cachedSuffix = ":cached"
	scanBatch    = 100
)

type Task struct {
	ID          string `json:"id" redis:"id"`
	Title       string `json:"title" redis:"title"`
	Description string `json:"description" redis:"description"`
	Completed   bool   `json:"completed" redis:"completed"`
}

// Store 任务存为 task:<id> 哈希，读缓存 tasks:all 与 task:<id>:cached，写时失效
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{client: client, ttl: ttl, logger: logger}
}

func taskKey(id string) string   { return keyPrefix + id }
func cachedKey(id string) string { return keyPrefix + id + cachedSuffix }

// validID ':' 是键名分隔符，带 ':' 的 id 会和缓存键冲突
func validID(id string) bool { return !strings.Contains(id, ":") }

// List 返回全部任务，按 id 排序
func (s *Store) List(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if ok, err := s.getCached(ctx, listCacheKey, &tasks); err != nil {
		return nil, err
	} else if ok {
		s.logger.Debug("cache hit", zap.String("key", listCacheKey))
		return tasks, nil
	}

	s.logger.Debug("cache miss", zap.String("key", listCacheKey))

	keys, err := s.scanTaskKeys(ctx)
	if err != nil {
		return nil, err
	}

	tasks = make([]Task, 0, len(keys))
	if len(keys) == 0 {
		return tasks, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	for _, cmd := range cmds {
		var t Task
		if err := cmd.Scan(&t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		if t.ID != "" {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	s.setCached(ctx, listCacheKey, tasks)
	return tasks, nil
}

// Get 按 id 读取任务，不存在时返回 ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}

	var t Task
	if ok, err := s.getCached(ctx, cachedKey(id), &t); err != nil {
		return nil, err
	} else if ok {
		s.logger.Debug("cache hit", zap.String("key", cachedKey(id)))
		return &t, nil
	}

	s.logger.Debug("cache miss", zap.String("key", cachedKey(id)))

	cmd := s.client.HGetAll(ctx, taskKey(id))
	fields, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	if err := cmd.Scan(&t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}

	s.setCached(ctx, cachedKey(id), t)
	return &t, nil
}

// Create 保存任务，id 为空时生成 uuid；id 已存在时覆盖
func (s *Store) Create(ctx context.Context, t Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if !validID(t.ID) {
		return nil, ErrInvalidID
	}

	if err := s.write(ctx, t); err != nil {
		return nil, err
	}
	if err := s.client.Del(ctx, cachedKey(t.ID), listCacheKey).Err(); err != nil {
		return nil, fmt.Errorf("invalidate cache: %w", err)
	}

	s.logger.Info("task created", zap.String("id", t.ID))
	return &t, nil
}

// Update 覆盖已有任务，不存在时返回 ErrNotFound
func (s *Store) Update(ctx context.Context, id string, t Task) (*Task, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}

	n, err := s.client.Exists(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("check task %s: %w", id, err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	t.ID = id
	if err := s.write(ctx, t); err != nil {
		return nil, err
	}
	if err := s.client.Del(ctx, cachedKey(id), listCacheKey).Err(); err != nil {
		return nil, fmt.Errorf("invalidate cache: %w", err)
	}

	s.logger.Info("task updated", zap.String("id", id))
	return &t, nil
}

// Delete 删除任务及其缓存，不存在时返回 ErrNotFound
func (s *Store) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}

	n, err := s.client.Del(ctx, taskKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}

	// 任务不存在时也清理缓存
	if err := s.client.Del(ctx, cachedKey(id), listCacheKey).Err(); err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("task deleted", zap.String("id", id))
	return nil
}

func (s *Store) write(ctx context.Context, t Task) error {
	err := s.client.HSet(ctx, taskKey(t.ID),
		"id", t.ID,
		"title", t.Title,
		"description", t.Description,
		"completed", strconv.FormatBool(t.Completed),
	).Err()
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// scanTaskKeys 遍历 task:* ，跳过 task:<id>:cached 缓存键
func (s *Store) scanTaskKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, cachedSuffix) {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan task keys: %w", err)
	}
	return keys, nil
}

func (s *Store) getCached(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		// 损坏的缓存当作未命中
		s.logger.Warn("discarding unreadable cache entry", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// setCached 写缓存失败只记录日志，不影响读结果
func (s *Store) setCached(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("encode cache entry failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Warn("write cache failed", zap.String("key", key), zap.Error(err))
	}
}
