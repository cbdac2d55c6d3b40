package database

import (
	"os"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const seedFixture = `
users:
  - username: alice
    email: alice@example.com
    notification_policies:
      - step: notify
        notify_by: email
      - step: wait
        wait_delay_seconds: 120
      - step: notify
        notify_by: slack
        important: true
  - username: bob
    email: bob@example.com

user_groups:
  - name: sre
    members: [alice, bob]

schedules:
  - name: primary
    shifts:
      - user: alice
        start: 2026-01-01T00:00:00Z
        end: 2027-01-01T00:00:00Z

webhooks:
  - name: pager
    url: https://pager.example.com/hook
    headers:
      Authorization: Bearer token

escalation_chains:
  - name: critical
    policies:
      - step: notify_schedule
        schedule: primary
      - step: wait
        wait_delay_seconds: 300
      - step: notify_group
        group: sre
      - step: trigger_webhook
        webhook: pager

integrations:
  - name: grafana
    kind: webhook
    routes:
      - filtering_term: "database"
        escalation_chain: critical
      - is_default: true
        escalation_chain: critical
`

func seedTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func writeSeedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yml")
	if err := os.WriteFile(path, []byte(seedFixture), 0o644); err != nil {
		t.Fatalf("failed to write seed file: %v", err)
	}
	return path
}

func TestSeedFromFile(t *testing.T) {
	db := seedTestDB(t)
	path := writeSeedFile(t)

	if err := SeedFromFile(db, path); err != nil {
		t.Fatalf("SeedFromFile failed: %v", err)
	}

	var alice User
	if err := db.Where("username = ?", "alice").First(&alice).Error; err != nil {
		t.Fatalf("seeded user missing: %v", err)
	}
	var policies []UserNotificationPolicy
	if err := db.Where("user_id = ?", alice.ID).Order(`"order" asc`).Find(&policies).Error; err != nil {
		t.Fatalf("failed to load notification policies: %v", err)
	}
	if len(policies) != 3 {
		t.Fatalf("expected 3 notification policies, got %d", len(policies))
	}
	if policies[1].Step != NotificationStepWait || policies[1].WaitDelaySeconds == nil || *policies[1].WaitDelaySeconds != 120 {
		t.Errorf("wait policy not seeded correctly: %+v", policies[1])
	}
	if !policies[2].Important {
		t.Errorf("important flag lost on the third policy")
	}

	var group UserGroup
	if err := db.Preload("Users").Where("name = ?", "sre").First(&group).Error; err != nil {
		t.Fatalf("seeded user group missing: %v", err)
	}
	if len(group.Users) != 2 {
		t.Errorf("expected 2 group members, got %d", len(group.Users))
	}

	var chain EscalationChain
	if err := db.Where("name = ?", "critical").First(&chain).Error; err != nil {
		t.Fatalf("seeded chain missing: %v", err)
	}
	var chainPolicies []EscalationPolicy
	if err := db.Where("escalation_chain_id = ?", chain.ID).Order(`"order" asc`).Find(&chainPolicies).Error; err != nil {
		t.Fatalf("failed to load chain policies: %v", err)
	}
	if len(chainPolicies) != 4 {
		t.Fatalf("expected 4 chain policies, got %d", len(chainPolicies))
	}
	if chainPolicies[0].NotifyScheduleID == nil {
		t.Errorf("schedule reference lost on the first policy")
	}
	if chainPolicies[2].NotifyGroupID == nil {
		t.Errorf("group reference lost on the third policy")
	}
	if chainPolicies[3].CustomWebhookID == nil {
		t.Errorf("webhook reference lost on the fourth policy")
	}

	var integration Integration
	if err := db.Where("name = ?", "grafana").First(&integration).Error; err != nil {
		t.Fatalf("seeded integration missing: %v", err)
	}
	if integration.UUID == "" {
		t.Errorf("integration must get a webhook token")
	}
	var filters []ChannelFilter
	if err := db.Where("integration_id = ?", integration.ID).Find(&filters).Error; err != nil {
		t.Fatalf("failed to load channel filters: %v", err)
	}
	if len(filters) != 2 {
		t.Errorf("expected 2 routes, got %d", len(filters))
	}

	var webhook CustomWebhook
	if err := db.Where("name = ?", "pager").First(&webhook).Error; err != nil {
		t.Fatalf("seeded webhook missing: %v", err)
	}
	if webhook.HTTPMethod != "POST" {
		t.Errorf("webhook without a method must default to POST, got %q", webhook.HTTPMethod)
	}
	if got := webhook.Headers.String("Authorization"); got != "Bearer token" {
		t.Errorf("webhook headers lost, got %q", got)
	}
}

func TestSeedFromFileIsIdempotent(t *testing.T) {
	db := seedTestDB(t)
	path := writeSeedFile(t)

	if err := SeedFromFile(db, path); err != nil {
		t.Fatalf("first SeedFromFile failed: %v", err)
	}
	if err := SeedFromFile(db, path); err != nil {
		t.Fatalf("second SeedFromFile failed: %v", err)
	}

	var users, chains, integrations, policies int64
	db.Model(&User{}).Count(&users)
	db.Model(&EscalationChain{}).Count(&chains)
	db.Model(&Integration{}).Count(&integrations)
	db.Model(&EscalationPolicy{}).Count(&policies)
	if users != 2 || chains != 1 || integrations != 1 || policies != 4 {
		t.Errorf("re-applying a seed file must not duplicate records: users=%d chains=%d integrations=%d policies=%d",
			users, chains, integrations, policies)
	}
}

func TestSeedFromMissingFile(t *testing.T) {
	db := seedTestDB(t)
	if err := SeedFromFile(db, "/nonexistent/seed.yml"); err == nil {
		t.Errorf("a missing seed file must be an error")
	}
}
