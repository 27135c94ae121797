package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DBDriver:        "sqlite",
		Timezone:        "America/Chicago",
		BizStartHour:    9,
		BizEndHour:      18,
		BizDays:         []time.Weekday{time.Monday, time.Friday},
		SMSSLA:          2 * time.Hour,
		CallSLA:         2 * time.Hour,
		StaffIdentities: []string{"user-1"},
		AckCloseoutMode: "eod",
		PageSize:        5,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no staff", mutate: func(c *Config) { c.StaffIdentities = nil }, wantErr: "STAFF_USER_IDS"},
		{name: "bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, wantErr: "TIMEZONE"},
		{name: "empty window", mutate: func(c *Config) { c.BizEndHour = 9 }, wantErr: "business window"},
		{name: "bad closeout", mutate: func(c *Config) { c.AckCloseoutMode = "week" }, wantErr: "ACK_CLOSEOUT_MODE"},
		{name: "advisory without key", mutate: func(c *Config) { c.AdvisoryEnabled = true; c.AdvisoryThreshold = 0.9 }, wantErr: "ANTHROPIC_API_KEY"},
		{name: "unknown driver", mutate: func(c *Config) { c.DBDriver = "mysql" }, wantErr: "DB_DRIVER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseWeekdays(t *testing.T) {
	days, err := parseWeekdays("Mon, tuesday,FRI")
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Friday}, days)

	_, err = parseWeekdays("mon,funday")
	assert.Error(t, err)
}

func TestParseSlots(t *testing.T) {
	slots, err := parseSlots("Morning=08:00, afternoon=15:00")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"morning": "08:00", "afternoon": "15:00"}, slots)

	_, err = parseSlots("morning")
	assert.Error(t, err)
	_, err = parseSlots("morning=25:00")
	assert.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("STAFF_USER_IDS", "u1, u2")
	t.Setenv("MANAGER_CONTACT_IDS", "m1")
	t.Setenv("SMS_SLA_HOURS", "1.5")
	t.Setenv("BIZ_DAYS", "mon,tue,wed,thu,fri")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, cfg.StaffIdentities)
	assert.Equal(t, []string{"m1"}, cfg.EscalationContacts)
	assert.Equal(t, 90*time.Minute, cfg.SMSSLA)
	assert.Equal(t, []string{"tech_sentinel"}, cfg.VoicemailRoutes)
}
