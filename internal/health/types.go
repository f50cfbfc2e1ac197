package health

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Metric identifies a kind of vital sign.
type Metric string

const (
	BloodPressureSystolic  Metric = "BloodPressureSystolic"
	BloodPressureDiastolic Metric = "BloodPressureDiastolic"
	BloodSugar             Metric = "BloodSugar"
	HeartRate              Metric = "HeartRate"
	Weight                 Metric = "Weight"
	BMI                    Metric = "BMI"
	Temperature            Metric = "Temperature"
	OxygenSaturation       Metric = "OxygenSaturation"
)

// AllMetrics lists every metric the engine accepts.
var AllMetrics = []Metric{
	BloodPressureSystolic,
	BloodPressureDiastolic,
	BloodSugar,
	HeartRate,
	Weight,
	BMI,
	Temperature,
	OxygenSaturation,
}

var metricAliases = map[string]Metric{
	"systolic":          BloodPressureSystolic,
	"bp_systolic":       BloodPressureSystolic,
	"diastolic":         BloodPressureDiastolic,
	"bp_diastolic":      BloodPressureDiastolic,
	"blood_sugar":       BloodSugar,
	"glucose":           BloodSugar,
	"heart_rate":        HeartRate,
	"pulse":             HeartRate,
	"weight":            Weight,
	"bmi":               BMI,
	"temperature":       Temperature,
	"temp":              Temperature,
	"oxygen_saturation": OxygenSaturation,
	"spo2":              OxygenSaturation,
}

// ParseMetric accepts the canonical name (case-insensitive) or one of the
// snake_case aliases used by the dashboard.
func ParseMetric(s string) (Metric, bool) {
	s = strings.TrimSpace(s)
	for _, m := range AllMetrics {
		if strings.EqualFold(string(m), s) {
			return m, true
		}
	}
	m, ok := metricAliases[strings.ToLower(s)]
	return m, ok
}

// VitalReading is one immutable measurement. Seq is assigned by the database
// on insert and records arrival order.
type VitalReading struct {
	Seq        uint64    `json:"seq" gorm:"primaryKey;autoIncrement"`
	ID         string    `json:"id" gorm:"uniqueIndex;size:36"`
	UserID     string    `json:"user_id" gorm:"index:idx_vitals_user_metric_ts,priority:1;size:64"`
	Metric     Metric    `json:"metric" gorm:"index:idx_vitals_user_metric_ts,priority:2;size:32"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit" gorm:"size:16"`
	Timestamp  time.Time `json:"timestamp" gorm:"column:measured_at;index:idx_vitals_user_metric_ts,priority:3"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MedicationSchedule describes when a medication is due each day.
type MedicationSchedule struct {
	ID             string         `json:"id" gorm:"primaryKey;size:36"`
	UserID         string         `json:"user_id" gorm:"index;size:64"`
	Name           string         `json:"name"`
	Dosage         string         `json:"dosage"`
	ScheduledTimes []string       `json:"scheduled_times" gorm:"-"`
	TimesJSON      datatypes.JSON `json:"-" gorm:"column:times"`
	Active         bool           `json:"active" gorm:"index"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// BeforeSave serialises ScheduledTimes into the JSON column.
func (m *MedicationSchedule) BeforeSave(tx *gorm.DB) error {
	if m.ScheduledTimes == nil {
		return nil
	}
	data, err := json.Marshal(m.ScheduledTimes)
	if err != nil {
		return err
	}
	m.TimesJSON = datatypes.JSON(data)
	return nil
}

// AfterFind restores ScheduledTimes from the JSON column.
func (m *MedicationSchedule) AfterFind(tx *gorm.DB) error {
	if len(m.TimesJSON) == 0 {
		return nil
	}
	return json.Unmarshal(m.TimesJSON, &m.ScheduledTimes)
}

// DoseStatus is the lifecycle state of a single scheduled dose.
type DoseStatus string

const (
	DosePending DoseStatus = "Pending"
	DoseTaken   DoseStatus = "Taken"
	DoseMissed  DoseStatus = "Missed"
)

// Terminal reports whether no further transition is allowed.
func (s DoseStatus) Terminal() bool {
	return s == DoseTaken || s == DoseMissed
}

// DoseEvent is one administration slot of a schedule on a calendar date.
type DoseEvent struct {
	ID            string     `json:"id" gorm:"primaryKey;size:36"`
	ScheduleID    string     `json:"schedule_id" gorm:"uniqueIndex:idx_dose_slot,priority:1;size:36"`
	UserID        string     `json:"user_id" gorm:"index;size:64"`
	Date          string     `json:"date" gorm:"column:slot_date;uniqueIndex:idx_dose_slot,priority:2;size:10"`
	ScheduledTime string     `json:"scheduled_time" gorm:"uniqueIndex:idx_dose_slot,priority:3;size:5"`
	Status        DoseStatus `json:"status" gorm:"index;size:16"`
	TakenAt       *time.Time `json:"taken_at,omitempty"`
	MissedAt      *time.Time `json:"missed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FactorInput is a self-reported lifestyle value such as diet quality.
type FactorInput struct {
	Seq        uint64    `json:"seq" gorm:"primaryKey;autoIncrement"`
	ID         string    `json:"id" gorm:"uniqueIndex;size:36"`
	UserID     string    `json:"user_id" gorm:"index:idx_factor_user_key,priority:1;size:64"`
	FactorKey  string    `json:"factor_key" gorm:"index:idx_factor_user_key,priority:2;size:64"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// UserSettings is the per-user preferences record. Only Timezone and the
// notification flags are read by the scoring core.
type UserSettings struct {
	UserID              string    `json:"user_id" gorm:"primaryKey;size:64"`
	Timezone            string    `json:"timezone" gorm:"default:UTC"`
	Language            string    `json:"language" gorm:"default:en"`
	FontSize            string    `json:"font_size" gorm:"default:medium"`
	AICompanionEnabled  bool      `json:"ai_companion_enabled"`
	MedicationReminders bool      `json:"medication_reminders"`
	RiskAlerts          bool      `json:"risk_alerts"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DefaultSettings returns the settings a user has before saving any.
func DefaultSettings(userID string) UserSettings {
	return UserSettings{
		UserID:              userID,
		Timezone:            "UTC",
		Language:            "en",
		FontSize:            "medium",
		AICompanionEnabled:  true,
		MedicationReminders: true,
		RiskAlerts:          true,
	}
}

// Location resolves the user's timezone, falling back to UTC.
func (s UserSettings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WellnessSnapshot records a wellness score computed by a scheduled rescore.
type WellnessSnapshot struct {
	ID     string    `json:"id" gorm:"primaryKey;size:36"`
	UserID string    `json:"user_id" gorm:"index:idx_wellness_user_asof,priority:1;size:64"`
	Value  int       `json:"value"`
	AsOf   time.Time `json:"as_of" gorm:"index:idx_wellness_user_asof,priority:2"`
}

// Window bounds a time range. A zero Since or Until leaves that side open.
type Window struct {
	Since time.Time
	Until time.Time
}

// LastWindow returns the window covering d up to now.
func LastWindow(now time.Time, d time.Duration) Window {
	if d <= 0 {
		return Window{Until: now}
	}
	return Window{Since: now.Add(-d), Until: now}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Since.IsZero() && t.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && t.After(w.Until) {
		return false
	}
	return true
}
