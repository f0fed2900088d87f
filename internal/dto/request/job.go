package request

import "encoding/json"

// EnqueueJobRequest adds a one-time job to a queue
type EnqueueJobRequest struct {
	Payload  json.RawMessage `json:"payload" binding:"required"`
	DelayMs  int64           `json:"delay_ms" binding:"gte=0"`
	Priority string          `json:"priority" binding:"omitempty,oneof=low normal high critical"`
	Attempts int             `json:"attempts" binding:"omitempty,min=1,max=50"`
	JobID    string          `json:"job_id" binding:"omitempty,max=200"`
}

// CleanQueueRequest removes finished jobs older than a grace period
type CleanQueueRequest struct {
	State   string `json:"state" binding:"required,oneof=completed failed"`
	GraceMs int64  `json:"grace_ms" binding:"gte=0"`
	Limit   int    `json:"limit" binding:"gte=0,max=100000"`
}
