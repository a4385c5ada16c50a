package service

import (
	"context"
	"encoding/json"
	"fmt"

	"codalab/internal/common/mq"
	"codalab/internal/evaluation/model"
	appErr "codalab/pkg/errors"
)

// Dispatcher publishes internal job messages and compute run requests.
type Dispatcher interface {
	DispatchJob(ctx context.Context, job *model.Job) error
	DispatchRun(ctx context.Context, jobID string, args model.RunTaskArgs) error
}

// QueueDispatcher publishes to the jobs and compute topics.
type QueueDispatcher struct {
	producer     mq.Producer
	jobsTopic    string
	computeTopic string
}

// NewQueueDispatcher creates a dispatcher over a message queue producer.
func NewQueueDispatcher(producer mq.Producer, jobsTopic, computeTopic string) (*QueueDispatcher, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if jobsTopic == "" || computeTopic == "" {
		return nil, fmt.Errorf("jobs and compute topics are required")
	}
	return &QueueDispatcher{producer: producer, jobsTopic: jobsTopic, computeTopic: computeTopic}, nil
}

func (d *QueueDispatcher) DispatchJob(ctx context.Context, job *model.Job) error {
	return d.publish(ctx, d.jobsTopic, model.JobMessage{ID: job.ID, TaskType: job.TaskType, TaskArgs: job.TaskArgs})
}

func (d *QueueDispatcher) DispatchRun(ctx context.Context, jobID string, args model.RunTaskArgs) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return appErr.Wrapf(err, appErr.DispatchFailed, "encode run args failed")
	}
	return d.publish(ctx, d.computeTopic, model.JobMessage{ID: jobID, TaskType: model.TaskRun, TaskArgs: raw})
}

func (d *QueueDispatcher) publish(ctx context.Context, topic string, payload model.JobMessage) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return appErr.Wrapf(err, appErr.DispatchFailed, "encode message failed")
	}
	msg := mq.NewMessage(body)
	msg.ID = payload.ID
	msg.SetHeader("task_type", payload.TaskType)
	if err := d.producer.Publish(ctx, topic, msg); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish %s to %s failed", payload.TaskType, topic)
	}
	return nil
}

var _ Dispatcher = (*QueueDispatcher)(nil)
