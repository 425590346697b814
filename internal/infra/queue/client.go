package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
// ScheduleRule 与 ScheduleDeadlineCheck 共同实现工作流引擎的
// RuleScheduler 接口。
type Client interface {
	ScheduleRule(workflowID, stageID, ruleID string, delay time.Duration) error
	ScheduleDeadlineCheck(workflowID string, delay time.Duration) error
	EnqueueOutboxDrain(limit int) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &asynqClient{client: client}
}

func (c *asynqClient) ScheduleRule(workflowID, stageID, ruleID string, delay time.Duration) error {
	payload, err := json.Marshal(tasks.RunRulePayload{
		WorkflowID: workflowID,
		StageID:    stageID,
		RuleID:     ruleID,
	})
	if err != nil {
		return fmt.Errorf("序列化规则载荷失败: %w", err)
	}

	task := asynq.NewTask(tasks.TypeRunRule, payload)
	_, err = c.client.Enqueue(task,
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("workflow"),
		// 同一规则在延迟窗口内只保留一个待执行任务
		asynq.TaskID(fmt.Sprintf("rule:%s:%s:%s", workflowID, stageID, ruleID)),
	)
	if err := ignoreDuplicate(err); err != nil {
		return fmt.Errorf("入队延迟规则失败: %w", err)
	}
	return nil
}

func (c *asynqClient) ScheduleDeadlineCheck(workflowID string, delay time.Duration) error {
	payload, err := json.Marshal(tasks.DeadlineCheckPayload{WorkflowID: workflowID})
	if err != nil {
		return fmt.Errorf("序列化截止检查载荷失败: %w", err)
	}

	task := asynq.NewTask(tasks.TypeDeadlineCheck, payload)
	_, err = c.client.Enqueue(task,
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Queue("workflow"),
		asynq.TaskID("deadline:"+workflowID),
	)
	if err := ignoreDuplicate(err); err != nil {
		return fmt.Errorf("入队截止检查失败: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueOutboxDrain(limit int) error {
	payload, err := json.Marshal(tasks.DrainOutboxPayload{Limit: limit})
	if err != nil {
		return fmt.Errorf("序列化出站补偿载荷失败: %w", err)
	}

	task := asynq.NewTask(tasks.TypeDrainOutbox, payload)
	if _, err := c.client.Enqueue(task,
		asynq.MaxRetry(0), // 周期性任务，失败等下一轮
		asynq.Timeout(5*time.Minute),
		asynq.Queue("default"),
	); err != nil {
		return fmt.Errorf("入队出站补偿失败: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}

// ignoreDuplicate 吞掉任务 ID 去重命中，其余错误原样返回
// asynq 的冲突错误可能被包装，必须用 errors.Is 判断。
func ignoreDuplicate(err error) error {
	if err == nil || errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
