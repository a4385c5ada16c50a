package service

import (
	"context"
	"encoding/json"
	"errors"

	"codalab/internal/common/mq"
	"codalab/internal/evaluation/model"
	appErr "codalab/pkg/errors"
	"codalab/pkg/utils/logger"

	"go.uber.org/zap"
)

// HandleJobMessage consumes the jobs topic.
func (o *Orchestrator) HandleJobMessage(ctx context.Context, msg *mq.Message) error {
	payload, err := decodeJobMessage(msg)
	if err != nil {
		logger.Error(ctx, "dropping undecodable job message", zap.Error(err))
		return nil
	}
	err = o.RunJob(ctx, payload.ID)
	if err == nil {
		return nil
	}
	if retryable(err) {
		return err
	}
	logger.Error(ctx, "dropping job message", zap.String("job_id", payload.ID), zap.Error(err))
	return nil
}

// HandleWorkerMessage consumes the response topic compute workers reply to.
func (o *Orchestrator) HandleWorkerMessage(ctx context.Context, msg *mq.Message) error {
	payload, err := decodeJobMessage(msg)
	if err != nil {
		logger.Error(ctx, "dropping undecodable worker message", zap.Error(err))
		return nil
	}
	if payload.TaskType != model.TaskRunUpdate {
		logger.Warn(ctx, "ignoring worker message", zap.String("job_id", payload.ID), zap.String("task_type", payload.TaskType))
		return nil
	}
	var update model.WorkerUpdate
	if err := json.Unmarshal(payload.TaskArgs, &update); err != nil {
		logger.Error(ctx, "dropping worker message with invalid args", zap.String("job_id", payload.ID), zap.Error(err))
		return nil
	}

	_, err = o.HandleCallback(ctx, payload.ID, update)
	if err == nil {
		return nil
	}
	if retryable(err) {
		return err
	}
	logger.Error(ctx, "worker update not applied", zap.String("job_id", payload.ID), zap.Error(err))
	return nil
}

func decodeJobMessage(msg *mq.Message) (model.JobMessage, error) {
	var payload model.JobMessage
	if msg == nil {
		return payload, appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return payload, appErr.Wrapf(err, appErr.InvalidParams, "decode message failed")
	}
	if payload.ID == "" {
		return payload, appErr.New(appErr.InvalidParams).WithMessage("message missing job id")
	}
	return payload, nil
}

// retryable reports whether redelivering the message may succeed.
func retryable(err error) bool {
	var updateErr *SubmissionUpdateError
	if errors.As(err, &updateErr) {
		return false
	}
	switch appErr.GetCode(err) {
	case appErr.LockFailed, appErr.DatabaseError, appErr.CacheError, appErr.QueueError:
		return true
	}
	return false
}
