package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/autocraft/internal/logging"
	"github.com/rendis/autocraft/pkg/schema"
)

// journal writes structured run events. Failures are reported through the
// logger at debug level and never interrupt the run.
type journal struct {
	appender EventAppender
	logger   Logger
}

func (j *journal) record(ctx context.Context, eventType string, payload any) {
	if j.appender == nil {
		return
	}
	ev := &schema.Event{
		RunID:   logging.RunID(ctx),
		Type:    eventType,
		Attempt: logging.Attempt(ctx),
		NodeID:  logging.NodeID(ctx),
	}
	if ev.RunID == "" {
		return
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			j.logger.Emit(ctx, schema.LogDebug, "event payload not serializable", "type", eventType, "error", err)
			return
		}
		ev.Payload = raw
	}
	if err := j.appender.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		j.logger.Emit(ctx, schema.LogDebug, "event not recorded", "type", eventType, "error", err)
	}
}
