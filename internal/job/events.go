package job

// 作业生命周期事件的主题约定。外部进度界面订阅这些主题即可
// 跟踪作业与批次的推进，无需轮询。
const (
	TopicJobQueued    = "system:job:queued"
	TopicJobStarted   = "system:job:started"
	TopicJobSucceeded = "system:job:succeeded"
	TopicJobFailed    = "system:job:failed"
	TopicJobCancelled = "system:job:cancelled"
	TopicJobRequeued  = "system:job:requeued"
)

// Event 是作业状态变更事件的载荷。
type Event struct {
	JobID      string `json:"job_id"`
	BatchID    string `json:"batch_id,omitempty"`
	Type       string `json:"type"`
	Status     Status `json:"status"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

func eventOf(j *Job) Event {
	return Event{
		JobID:      j.ID,
		BatchID:    j.BatchID,
		Type:       j.Type,
		Status:     j.Status,
		Attempt:    j.Attempt,
		Error:      j.LastError,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

func topicOf(status Status) string {
	switch status {
	case StatusRunning:
		return TopicJobStarted
	case StatusSucceeded:
		return TopicJobSucceeded
	case StatusFailed:
		return TopicJobFailed
	case StatusCancelled:
		return TopicJobCancelled
	default:
		return TopicJobQueued
	}
}
