package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/services"
)

// SilenceMonitor is the safety net behind timed silences. Every timed silence
// schedules its own unsilence task; this job catches groups whose task got
// lost (deleted rows, crashed worker between claim and done).
type SilenceMonitor struct {
	db     *gorm.DB
	groups *services.AlertGroupService
}

// NewSilenceMonitor creates a new silence monitor
func NewSilenceMonitor(db *gorm.DB, groups *services.AlertGroupService) *SilenceMonitor {
	return &SilenceMonitor{db: db, groups: groups}
}

// CheckAndUnsilence lifts silences that have run out
func (m *SilenceMonitor) CheckAndUnsilence() (int, error) {
	var groups []database.AlertGroup
	err := m.db.Where("status = ? AND silenced_until IS NOT NULL AND silenced_until < ?",
		database.AlertGroupSilenced, time.Now().UTC()).Find(&groups).Error
	if err != nil {
		return 0, err
	}

	lifted := 0
	for _, group := range groups {
		changed, err := m.groups.Unsilence(group.ID, nil)
		if err != nil {
			log.Printf("Failed to unsilence alert group %s: %v", group.PublicID, err)
			continue
		}
		if changed {
			lifted++
			log.Printf("Lifted expired silence on alert group %s", group.PublicID)
		}
	}
	return lifted, nil
}

// Start begins the periodic monitoring
func (m *SilenceMonitor) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lifted, err := m.CheckAndUnsilence()
			if err != nil {
				log.Printf("Silence monitor error: %v", err)
			} else if lifted > 0 {
				log.Printf("Silence monitor: lifted %d expired silences", lifted)
			}
		case <-stop:
			log.Println("Silence monitor stopped")
			return
		}
	}
}
