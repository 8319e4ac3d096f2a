package redisx

import "fmt"

// Queue keys, all prefixed with the queue name:
//
//	{queue}:job:{id}   JSON job document
//	{queue}:wait       LIST of runnable job ids
//	{queue}:active     LIST of job ids held by a worker
//	{queue}:delayed    ZSET of job ids scored by ready time (unix ms)
//	{queue}:completed  LIST of archived job ids, capped
//	{queue}:failed     LIST of archived job ids, capped
const (
	KeyJob       = "%s:job:%s"
	KeyWait      = "%s:wait"
	KeyActive    = "%s:active"
	KeyDelayed   = "%s:delayed"
	KeyCompleted = "%s:completed"
	KeyFailed    = "%s:failed"
)

type QueueKeys struct {
	Name      string
	Wait      string
	Active    string
	Delayed   string
	Completed string
	Failed    string
}

func NewQueueKeys(queue string) QueueKeys {
	return QueueKeys{
		Name:      queue,
		Wait:      fmt.Sprintf(KeyWait, queue),
		Active:    fmt.Sprintf(KeyActive, queue),
		Delayed:   fmt.Sprintf(KeyDelayed, queue),
		Completed: fmt.Sprintf(KeyCompleted, queue),
		Failed:    fmt.Sprintf(KeyFailed, queue),
	}
}

func (k QueueKeys) Job(id string) string { return fmt.Sprintf(KeyJob, k.Name, id) }
