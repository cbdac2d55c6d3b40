package jobs

import (
	"log"
	"time"

	"github.com/escalor/escalor/internal/scheduler"
)

// staleClaimAge is how long a task may sit in running before it is assumed
// orphaned by a crashed worker
const staleClaimAge = 5 * time.Minute

// TaskMonitor reclaims orphaned task claims so at-least-once delivery holds
// across worker crashes
type TaskMonitor struct {
	queue *scheduler.Scheduler
}

// NewTaskMonitor creates a new task monitor
func NewTaskMonitor(queue *scheduler.Scheduler) *TaskMonitor {
	return &TaskMonitor{queue: queue}
}

// Start begins the periodic monitoring
func (m *TaskMonitor) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reclaimed, err := m.queue.ReclaimStale(staleClaimAge)
			if err != nil {
				log.Printf("Task monitor error: %v", err)
			} else if reclaimed > 0 {
				log.Printf("Task monitor: reclaimed %d stale task claims", reclaimed)
			}
		case <-stop:
			log.Println("Task monitor stopped")
			return
		}
	}
}
