package transformer

import (
	"math"

	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/eddielth/gadgetbridge-mqtt/storage"
	"github.com/eddielth/gadgetbridge-mqtt/validator"
)

// ActivityTotals is the kind of the synthetic step-count rows.
const ActivityTotals = "activity_totals"

// converter turns one raw column value into a sample value. ok is false when
// the value is malformed and must be dropped.
type converter func(column string, raw interface{}) (value interface{}, ok bool)

// field maps one source column to one metric.
type field struct {
	metric      string
	column      string
	name        string
	unit        string
	valueType   ValueType
	deviceClass string
	stateClass  string
	icon        string
	options     []string
	convert     converter
}

// tableEntry is a built-in entry reading fixed columns of one table.
type tableEntry struct {
	query  storage.Query
	fields []field
}

func (e *tableEntry) Kind() string {
	return e.query.Kind
}

func (e *tableEntry) Query() storage.Query {
	return e.query
}

func (e *tableEntry) Definitions(d Device) []SensorDefinition {
	defs := make([]SensorDefinition, 0, len(e.fields))
	for _, f := range e.fields {
		defs = append(defs, SensorDefinition{
			Device:      d,
			Metric:      f.metric,
			Name:        f.name,
			Unit:        f.unit,
			ValueType:   f.valueType,
			DeviceClass: f.deviceClass,
			StateClass:  f.stateClass,
			Icon:        f.icon,
			Options:     f.options,
		})
	}
	return defs
}

func (e *tableEntry) Classify(d Device, row storage.RawRow) []Sample {
	var samples []Sample
	for _, f := range e.fields {
		raw, ok := row.Columns[f.column]
		if !ok || raw == nil {
			continue
		}
		value, ok := f.convert(f.column, raw)
		if !ok {
			logger.Debug("dropping %s.%s for %s: malformed value %v", row.Kind, f.column, d.ID, raw)
			continue
		}
		samples = append(samples, Sample{
			DeviceID: d.ID,
			Metric:   f.metric,
			Value:    value,
			Observed: row.Timestamp,
		})
	}
	return samples
}

// integer accepts whole numbers passing every validator.
func integer(validators ...validator.Validator) converter {
	return func(column string, raw interface{}) (interface{}, bool) {
		n, ok := storage.AsInt64(raw)
		if !ok || validator.All(column, float64(n), validators...) != nil {
			return nil, false
		}
		return n, true
	}
}

// decimal accepts finite numbers passing every validator, rounded to digits.
func decimal(digits int, validators ...validator.Validator) converter {
	return func(column string, raw interface{}) (interface{}, bool) {
		f, ok := storage.AsFloat64(raw)
		if !ok || validator.All(column, f, validators...) != nil {
			return nil, false
		}
		return round(f, digits), true
	}
}

// minutesToHours converts a minute count to hours with two decimals.
func minutesToHours(column string, raw interface{}) (interface{}, bool) {
	f, ok := storage.AsFloat64(raw)
	if !ok || validator.All(column, f, validator.Range(0, 24*60*7)) != nil {
		return nil, false
	}
	return round(f/60, 2), true
}

// awakeState reports "awake" when the raw flag is zero. Gadgetbridge's
// IS_AWAKE column is inverted on the Xiaomi devices this was built for.
func awakeState(column string, raw interface{}) (interface{}, bool) {
	n, ok := storage.AsInt64(raw)
	if !ok {
		return nil, false
	}
	if n == 0 {
		return "awake", true
	}
	return "asleep", true
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

var heartRate = validator.Range(1, 254)

// builtinEntries returns the catalog shipped with the bridge.
func builtinEntries() []Entry {
	return []Entry{
		&tableEntry{
			query: storage.Query{Kind: "BATTERY_LEVEL", Table: "BATTERY_LEVEL", DeviceColumn: "DEVICE_ID", TimestampColumn: "TIMESTAMP"},
			fields: []field{
				{metric: "battery", column: "LEVEL", name: "Battery Level", unit: "%", valueType: Numeric,
					deviceClass: "battery", stateClass: "measurement", icon: "mdi:battery", convert: integer(validator.Range(0, 100))},
			},
		},
		&tableEntry{
			query: storage.Query{Kind: "XIAOMI_ACTIVITY_SAMPLE", Table: "XIAOMI_ACTIVITY_SAMPLE", DeviceColumn: "DEVICE_ID",
				TimestampColumn: "TIMESTAMP", Unit: storage.Seconds},
			fields: []field{
				{metric: "heart_rate", column: "HEART_RATE", name: "Latest Heart Rate", unit: "bpm", valueType: Numeric,
					stateClass: "measurement", icon: "mdi:heart-pulse", convert: integer(heartRate)},
			},
		},
		&tableEntry{
			query: storage.Query{Kind: ActivityTotals, Table: "XIAOMI_ACTIVITY_SAMPLE", DeviceColumn: "DEVICE_ID",
				TimestampColumn: "TIMESTAMP", Unit: storage.Seconds,
				Aggregate: &storage.Aggregate{SumColumn: "STEPS", Windows: []storage.Window{storage.Day, storage.Week, storage.Month}}},
			fields: []field{
				{metric: "daily_steps", column: "DAY", name: "Daily Steps", unit: "steps", valueType: Numeric,
					stateClass: "total_increasing", icon: "mdi:walk", convert: integer(validator.Range(0, math.MaxInt32))},
				{metric: "weekly_steps", column: "WEEK", name: "Weekly Steps", unit: "steps", valueType: Numeric,
					stateClass: "total", icon: "mdi:walk", convert: integer(validator.Range(0, math.MaxInt32))},
				{metric: "monthly_steps", column: "MONTH", name: "Monthly Steps", unit: "steps", valueType: Numeric,
					stateClass: "total", icon: "mdi:walk", convert: integer(validator.Range(0, math.MaxInt32))},
			},
		},
		&tableEntry{
			query: storage.Query{Kind: "XIAOMI_DAILY_SUMMARY_SAMPLE", Table: "XIAOMI_DAILY_SUMMARY_SAMPLE", DeviceColumn: "DEVICE_ID", TimestampColumn: "TIMESTAMP"},
			fields: []field{
				{metric: "hr_resting", column: "HR_RESTING", name: "Resting Heart Rate", unit: "bpm", valueType: Numeric,
					stateClass: "measurement", icon: "mdi:heart-pulse", convert: integer(heartRate)},
				{metric: "hr_max", column: "HR_MAX", name: "Max Heart Rate", unit: "bpm", valueType: Numeric,
					stateClass: "measurement", icon: "mdi:heart-pulse", convert: integer(heartRate)},
				{metric: "hr_avg", column: "HR_AVG", name: "Average Heart Rate", unit: "bpm", valueType: Numeric,
					stateClass: "measurement", icon: "mdi:heart-pulse", convert: integer(heartRate)},
				{metric: "calories", column: "CALORIES", name: "Calories", unit: "kcal", valueType: Numeric,
					stateClass: "total_increasing", icon: "mdi:fire", convert: integer(validator.Range(0, 100000))},
			},
		},
		&tableEntry{
			query: storage.Query{Kind: "XIAOMI_SLEEP_TIME_SAMPLE", Table: "XIAOMI_SLEEP_TIME_SAMPLE", DeviceColumn: "DEVICE_ID", TimestampColumn: "TIMESTAMP"},
			fields: []field{
				{metric: "sleep_state", column: "IS_AWAKE", name: "Sleep State", valueType: Text,
					deviceClass: "enum", icon: "mdi:power-sleep", options: []string{"awake", "asleep"}, convert: awakeState},
				{metric: "total_sleep_duration", column: "TOTAL_DURATION", name: "Total Sleep Duration", unit: "h", valueType: Numeric,
					deviceClass: "duration", stateClass: "measurement", icon: "mdi:sleep", convert: minutesToHours},
			},
		},
		&tableEntry{
			query: storage.Query{Kind: "MI_SCALE_WEIGHT_SAMPLE", Table: "MI_SCALE_WEIGHT_SAMPLE", DeviceColumn: "DEVICE_ID", TimestampColumn: "TIMESTAMP"},
			fields: []field{
				{metric: "weight", column: "WEIGHT_KG", name: "Weight", unit: "kg", valueType: Numeric,
					deviceClass: "weight", stateClass: "measurement", icon: "mdi:scale-bathroom", convert: decimal(2, validator.Positive(500))},
			},
		},
	}
}
