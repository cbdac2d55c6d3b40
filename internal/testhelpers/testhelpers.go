// Package testhelpers provides reusable testing utilities: an in-memory
// database wired with the full schema and builders for the domain records
// tests need over and over.
package testhelpers

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/escalor/escalor/internal/database"
)

// SetupTestDB creates an in-memory SQLite database with all tables migrated
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A plain ":memory:" DSN gives every pooled connection its own empty
	// database; a named shared-cache DSN keeps the schema visible across
	// connections while staying unique per test.
	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// CreateUser inserts a user with sensible defaults
func CreateUser(t *testing.T, db *gorm.DB, username string) *database.User {
	t.Helper()
	user := &database.User{
		PublicID: uuid.New().String(),
		Username: username,
		Email:    username + "@example.com",
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	return user
}

// CreateNotificationPolicy inserts one step of a user's notification chain
func CreateNotificationPolicy(t *testing.T, db *gorm.DB, userID uint, order int, step, notifyBy string, important bool) *database.UserNotificationPolicy {
	t.Helper()
	policy := &database.UserNotificationPolicy{
		UserID:    userID,
		Important: important,
		Order:     order,
		Step:      step,
		NotifyBy:  notifyBy,
	}
	if err := db.Create(policy).Error; err != nil {
		t.Fatalf("failed to create notification policy: %v", err)
	}
	return policy
}

// CreateIntegration inserts an integration
func CreateIntegration(t *testing.T, db *gorm.DB, name string) *database.Integration {
	t.Helper()
	integration := &database.Integration{
		UUID:    uuid.New().String(),
		Name:    name,
		Kind:    "webhook",
		Enabled: true,
	}
	if err := db.Create(integration).Error; err != nil {
		t.Fatalf("failed to create integration %s: %v", name, err)
	}
	return integration
}

// CreateChain inserts an escalation chain with the given policies in order
func CreateChain(t *testing.T, db *gorm.DB, name string, policies ...*database.EscalationPolicy) *database.EscalationChain {
	t.Helper()
	chain := &database.EscalationChain{Name: name}
	if err := db.Create(chain).Error; err != nil {
		t.Fatalf("failed to create escalation chain %s: %v", name, err)
	}
	for i, policy := range policies {
		policy.EscalationChainID = chain.ID
		policy.Order = i
		if err := db.Create(policy).Error; err != nil {
			t.Fatalf("failed to create escalation policy %d: %v", i, err)
		}
	}
	return chain
}

// CreateChannelFilter inserts a default route from an integration to a chain
func CreateChannelFilter(t *testing.T, db *gorm.DB, integrationID uint, chainID *uint) *database.ChannelFilter {
	t.Helper()
	filter := &database.ChannelFilter{
		IntegrationID:     integrationID,
		IsDefault:         true,
		EscalationChainID: chainID,
	}
	if err := db.Create(filter).Error; err != nil {
		t.Fatalf("failed to create channel filter: %v", err)
	}
	return filter
}

// CreateAlertGroup inserts a firing alert group routed through the filter
func CreateAlertGroup(t *testing.T, db *gorm.DB, integrationID uint, filterID *uint, fingerprint string) *database.AlertGroup {
	t.Helper()
	group := &database.AlertGroup{
		PublicID:        uuid.New().String(),
		IntegrationID:   integrationID,
		ChannelFilterID: filterID,
		Fingerprint:     fingerprint,
		Title:           "test alert group",
		Status:          database.AlertGroupFiring,
		StartedAt:       nowUTC(),
	}
	if err := db.Create(group).Error; err != nil {
		t.Fatalf("failed to create alert group: %v", err)
	}
	return group
}

// CreateSchedule inserts a schedule with one shift covering all of time for
// the given user
func CreateSchedule(t *testing.T, db *gorm.DB, name string, userID uint) *database.Schedule {
	t.Helper()
	schedule := &database.Schedule{Name: name}
	if err := db.Create(schedule).Error; err != nil {
		t.Fatalf("failed to create schedule %s: %v", name, err)
	}
	shift := &database.OnCallShift{
		ScheduleID: schedule.ID,
		UserID:     userID,
		Start:      nowUTC().Add(-365 * 24 * time.Hour),
		End:        nowUTC().Add(365 * 24 * time.Hour),
	}
	if err := db.Create(shift).Error; err != nil {
		t.Fatalf("failed to create shift: %v", err)
	}
	return schedule
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// IntPtr returns a pointer to an int
func IntPtr(v int) *int {
	return &v
}

// UintPtr returns a pointer to a uint
func UintPtr(v uint) *uint {
	return &v
}
