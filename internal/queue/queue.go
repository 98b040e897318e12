package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// GradingJob 队列中的一次判分请求。它只是调度信号，
// 判分状态本身以 exam_answers.grading_status 为准。
type GradingJob struct {
	SubmissionID uint   `json:"submissionId"`
	AnswerID     uint   `json:"answerId"`
	Force        bool   `json:"force"`
	Token        string `json:"token"`
}

func NewGradingJob(submissionID, answerID uint, force bool) GradingJob {
	return GradingJob{
		SubmissionID: submissionID,
		AnswerID:     answerID,
		Force:        force,
		Token:        uuid.New().String(),
	}
}

// JobQueue 判分任务传输通道。生产环境走 Redis 列表，测试用内存通道。
type JobQueue interface {
	Push(ctx context.Context, job GradingJob) error
	// Pop 阻塞等待下一个任务；上下文取消或通道关闭时返回 false
	Pop(ctx context.Context) (GradingJob, bool, error)
	Close() error
}

type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, job GradingJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (GradingJob, bool, error) {
	for {
		res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
		if err == redis.Nil {
			// 超时轮询，便于及时响应取消
			select {
			case <-ctx.Done():
				return GradingJob{}, false, nil
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return GradingJob{}, false, nil
			}
			return GradingJob{}, false, err
		}

		var job GradingJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return GradingJob{}, false, err
		}
		return job, true, nil
	}
}

func (q *RedisQueue) Close() error {
	return nil
}

// MemoryQueue 进程内通道实现，测试与单机部署使用
type MemoryQueue struct {
	ch chan GradingJob
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan GradingJob, size)}
}

func (q *MemoryQueue) Push(ctx context.Context, job GradingJob) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (GradingJob, bool, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return GradingJob{}, false, nil
		}
		return job, true, nil
	case <-ctx.Done():
		return GradingJob{}, false, nil
	}
}

func (q *MemoryQueue) Close() error {
	close(q.ch)
	return nil
}
