package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Seed fixture schema. Records are matched by name/username so re-applying a
// seed file is safe.
type seedFile struct {
	Users []struct {
		Username             string `yaml:"username"`
		Email                string `yaml:"email"`
		Phone                string `yaml:"phone"`
		NotificationPolicies []struct {
			Step             string `yaml:"step"`
			NotifyBy         string `yaml:"notify_by"`
			WaitDelaySeconds *int   `yaml:"wait_delay_seconds"`
			Important        bool   `yaml:"important"`
		} `yaml:"notification_policies"`
	} `yaml:"users"`
	UserGroups []struct {
		Name    string   `yaml:"name"`
		Members []string `yaml:"members"`
	} `yaml:"user_groups"`
	Schedules []struct {
		Name   string `yaml:"name"`
		Shifts []struct {
			User  string    `yaml:"user"`
			Start time.Time `yaml:"start"`
			End   time.Time `yaml:"end"`
		} `yaml:"shifts"`
	} `yaml:"schedules"`
	Webhooks []struct {
		Name       string            `yaml:"name"`
		URL        string            `yaml:"url"`
		HTTPMethod string            `yaml:"http_method"`
		Headers    map[string]string `yaml:"headers"`
	} `yaml:"webhooks"`
	EscalationChains []struct {
		Name     string `yaml:"name"`
		Policies []struct {
			Step               string   `yaml:"step"`
			WaitDelaySeconds   *int     `yaml:"wait_delay_seconds"`
			Users              []string `yaml:"users"`
			Group              string   `yaml:"group"`
			Schedule           string   `yaml:"schedule"`
			Webhook            string   `yaml:"webhook"`
			FromTime           *string  `yaml:"from_time"`
			ToTime             *string  `yaml:"to_time"`
			NumAlertsInWindow  *int     `yaml:"num_alerts_in_window"`
			NumMinutesInWindow *int     `yaml:"num_minutes_in_window"`
		} `yaml:"policies"`
	} `yaml:"escalation_chains"`
	Integrations []struct {
		Name   string `yaml:"name"`
		Kind   string `yaml:"kind"`
		Routes []struct {
			FilteringTerm   string `yaml:"filtering_term"`
			IsDefault       bool   `yaml:"is_default"`
			EscalationChain string `yaml:"escalation_chain"`
			SlackChannelID  string `yaml:"slack_channel_id"`
		} `yaml:"routes"`
	} `yaml:"integrations"`
}

// SeedFromFile loads a YAML fixture file and creates any missing users,
// groups, schedules, chains and integrations.
func SeedFromFile(db *gorm.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	usersByName := make(map[string]*User)
	for _, u := range seed.Users {
		user := &User{}
		err := db.Where("username = ?", u.Username).First(user).Error
		if err == gorm.ErrRecordNotFound {
			user = &User{
				PublicID: uuid.New().String(),
				Username: u.Username,
				Email:    u.Email,
				Phone:    u.Phone,
			}
			if err := db.Create(user).Error; err != nil {
				return fmt.Errorf("failed to create user %s: %w", u.Username, err)
			}
			for i, p := range u.NotificationPolicies {
				policy := UserNotificationPolicy{
					UserID:           user.ID,
					Important:        p.Important,
					Order:            i,
					Step:             p.Step,
					NotifyBy:         p.NotifyBy,
					WaitDelaySeconds: p.WaitDelaySeconds,
				}
				if err := db.Create(&policy).Error; err != nil {
					return fmt.Errorf("failed to create notification policy for %s: %w", u.Username, err)
				}
			}
			log.Printf("Seeded user: %s", u.Username)
		} else if err != nil {
			return err
		}
		usersByName[u.Username] = user
	}

	for _, g := range seed.UserGroups {
		var group UserGroup
		err := db.Where("name = ?", g.Name).First(&group).Error
		if err == gorm.ErrRecordNotFound {
			group = UserGroup{Name: g.Name}
			for _, member := range g.Members {
				if user, ok := usersByName[member]; ok {
					group.Users = append(group.Users, *user)
				}
			}
			if err := db.Create(&group).Error; err != nil {
				return fmt.Errorf("failed to create user group %s: %w", g.Name, err)
			}
			log.Printf("Seeded user group: %s", g.Name)
		} else if err != nil {
			return err
		}
	}

	schedulesByName := make(map[string]*Schedule)
	for _, s := range seed.Schedules {
		schedule := &Schedule{}
		err := db.Where("name = ?", s.Name).First(schedule).Error
		if err == gorm.ErrRecordNotFound {
			schedule = &Schedule{Name: s.Name}
			if err := db.Create(schedule).Error; err != nil {
				return fmt.Errorf("failed to create schedule %s: %w", s.Name, err)
			}
			for _, shift := range s.Shifts {
				user, ok := usersByName[shift.User]
				if !ok {
					return fmt.Errorf("schedule %s references unknown user %s", s.Name, shift.User)
				}
				row := OnCallShift{
					ScheduleID: schedule.ID,
					UserID:     user.ID,
					Start:      shift.Start,
					End:        shift.End,
				}
				if err := db.Create(&row).Error; err != nil {
					return fmt.Errorf("failed to create shift for schedule %s: %w", s.Name, err)
				}
			}
			log.Printf("Seeded schedule: %s", s.Name)
		} else if err != nil {
			return err
		}
		schedulesByName[s.Name] = schedule
	}

	webhooksByName := make(map[string]*CustomWebhook)
	for _, w := range seed.Webhooks {
		webhook := &CustomWebhook{}
		err := db.Where("name = ?", w.Name).First(webhook).Error
		if err == gorm.ErrRecordNotFound {
			headers := JSONB{}
			for k, v := range w.Headers {
				headers[k] = v
			}
			method := w.HTTPMethod
			if method == "" {
				method = "POST"
			}
			webhook = &CustomWebhook{
				Name:       w.Name,
				URL:        w.URL,
				HTTPMethod: method,
				Headers:    headers,
				Enabled:    true,
			}
			if err := db.Create(webhook).Error; err != nil {
				return fmt.Errorf("failed to create webhook %s: %w", w.Name, err)
			}
			log.Printf("Seeded webhook: %s", w.Name)
		} else if err != nil {
			return err
		}
		webhooksByName[w.Name] = webhook
	}

	chainsByName := make(map[string]*EscalationChain)
	for _, c := range seed.EscalationChains {
		chain := &EscalationChain{}
		err := db.Where("name = ?", c.Name).First(chain).Error
		if err == gorm.ErrRecordNotFound {
			chain = &EscalationChain{Name: c.Name}
			if err := db.Create(chain).Error; err != nil {
				return fmt.Errorf("failed to create escalation chain %s: %w", c.Name, err)
			}
			for i, p := range c.Policies {
				policy := EscalationPolicy{
					EscalationChainID:  chain.ID,
					Order:              i,
					Step:               p.Step,
					WaitDelaySeconds:   p.WaitDelaySeconds,
					FromTime:           p.FromTime,
					ToTime:             p.ToTime,
					NumAlertsInWindow:  p.NumAlertsInWindow,
					NumMinutesInWindow: p.NumMinutesInWindow,
				}
				if p.Schedule != "" {
					schedule, ok := schedulesByName[p.Schedule]
					if !ok {
						return fmt.Errorf("chain %s references unknown schedule %s", c.Name, p.Schedule)
					}
					policy.NotifyScheduleID = &schedule.ID
				}
				if p.Group != "" {
					var group UserGroup
					if err := db.Where("name = ?", p.Group).First(&group).Error; err != nil {
						return fmt.Errorf("chain %s references unknown group %s", c.Name, p.Group)
					}
					policy.NotifyGroupID = &group.ID
				}
				if p.Webhook != "" {
					webhook, ok := webhooksByName[p.Webhook]
					if !ok {
						return fmt.Errorf("chain %s references unknown webhook %s", c.Name, p.Webhook)
					}
					policy.CustomWebhookID = &webhook.ID
				}
				for _, username := range p.Users {
					user, ok := usersByName[username]
					if !ok {
						return fmt.Errorf("chain %s references unknown user %s", c.Name, username)
					}
					policy.NotifyToUsers = append(policy.NotifyToUsers, *user)
				}
				if err := db.Create(&policy).Error; err != nil {
					return fmt.Errorf("failed to create policy %d of chain %s: %w", i, c.Name, err)
				}
			}
			log.Printf("Seeded escalation chain: %s (%d policies)", c.Name, len(c.Policies))
		} else if err != nil {
			return err
		}
		chainsByName[c.Name] = chain
	}

	for _, in := range seed.Integrations {
		var integration Integration
		err := db.Where("name = ?", in.Name).First(&integration).Error
		if err == gorm.ErrRecordNotFound {
			integration = Integration{
				UUID:    uuid.New().String(),
				Name:    in.Name,
				Kind:    in.Kind,
				Enabled: true,
			}
			if err := db.Create(&integration).Error; err != nil {
				return fmt.Errorf("failed to create integration %s: %w", in.Name, err)
			}
			for i, route := range in.Routes {
				filter := ChannelFilter{
					IntegrationID:  integration.ID,
					Order:          i,
					FilteringTerm:  route.FilteringTerm,
					IsDefault:      route.IsDefault,
					SlackChannelID: route.SlackChannelID,
				}
				if route.EscalationChain != "" {
					chain, ok := chainsByName[route.EscalationChain]
					if !ok {
						return fmt.Errorf("integration %s references unknown chain %s", in.Name, route.EscalationChain)
					}
					filter.EscalationChainID = &chain.ID
				}
				if err := db.Create(&filter).Error; err != nil {
					return fmt.Errorf("failed to create route %d of integration %s: %w", i, in.Name, err)
				}
			}
			log.Printf("Seeded integration: %s (webhook token %s)", in.Name, integration.UUID)
		} else if err != nil {
			return err
		}
	}

	return nil
}
