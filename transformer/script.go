package transformer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"github.com/eddielth/gadgetbridge-mqtt/config"
	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/eddielth/gadgetbridge-mqtt/storage"
)

// scriptEntry 表示一个由JavaScript脚本实现的转换器
type scriptEntry struct {
	query      storage.Query
	sensors    []config.Sensor
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// newScriptEntry 创建一个新的脚本转换器
func newScriptEntry(kind string, cfg config.Transformer) (*scriptEntry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	unit, err := storage.ParseTimeUnit(cfg.TimeUnit)
	if err != nil {
		return nil, err
	}

	scriptCode, err := loadScript(cfg)
	if err != nil {
		return nil, err
	}

	vm, transform, err := compileScript(scriptCode)
	if err != nil {
		return nil, fmt.Errorf("transformer %s: %w", kind, err)
	}

	deviceColumn := cfg.DeviceColumn
	if deviceColumn == "" {
		deviceColumn = "DEVICE_ID"
	}
	timestampColumn := cfg.TimestampColumn
	if timestampColumn == "" {
		timestampColumn = "TIMESTAMP"
	}

	return &scriptEntry{
		query: storage.Query{
			Kind:            kind,
			Table:           cfg.Table,
			DeviceColumn:    deviceColumn,
			TimestampColumn: timestampColumn,
			Unit:            unit,
		},
		sensors:    cfg.Sensors,
		vm:         vm,
		transform:  transform,
		scriptPath: cfg.ScriptPath,
	}, nil
}

// loadScript 优先使用配置中的脚本代码，否则从文件加载
func loadScript(cfg config.Transformer) (string, error) {
	if cfg.ScriptCode != "" {
		return cfg.ScriptCode, nil
	}
	if cfg.ScriptPath == "" {
		return "", fmt.Errorf("no script code or script path provided")
	}
	scriptBytes, err := os.ReadFile(cfg.ScriptPath)
	if err != nil {
		return "", fmt.Errorf("无法加载脚本文件 %s: %w", cfg.ScriptPath, err)
	}
	return string(scriptBytes), nil
}

// compileScript 创建JavaScript运行时，注入辅助函数并返回 transform 函数
func compileScript(scriptCode string) (*goja.Runtime, goja.Callable, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("解析JSON失败: %v", err)
			return nil
		}
		return data
	})

	// Gadgetbridge timestamps may be seconds or milliseconds
	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return storage.AutoUnit.Time(timestamp).Format(format)
	})

	_ = vm.Set("round", func(value float64, digits int) float64 {
		return round(value, digits)
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return !math.IsNaN(value) && value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, nil, fmt.Errorf("执行脚本失败: %w", err)
	}

	transformValue := vm.Get("transform")
	if transformValue == nil {
		return nil, nil, fmt.Errorf("脚本中没有定义 'transform' 函数")
	}

	transform, ok := goja.AssertFunction(transformValue)
	if !ok {
		return nil, nil, fmt.Errorf("'transform' 不是一个函数")
	}

	return vm, transform, nil
}

// convertTemperature 单位转换，未知单位返回原值
func convertTemperature(value float64, fromUnit string, toUnit string) float64 {
	var celsius float64
	switch strings.ToUpper(fromUnit) {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value
	}

	switch strings.ToUpper(toUnit) {
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}

func (e *scriptEntry) Kind() string {
	return e.query.Kind
}

func (e *scriptEntry) Query() storage.Query {
	return e.query
}

func (e *scriptEntry) Definitions(d Device) []SensorDefinition {
	defs := make([]SensorDefinition, 0, len(e.sensors))
	for _, s := range e.sensors {
		name := s.Name
		if name == "" {
			name = s.Key
		}
		defs = append(defs, SensorDefinition{
			Device:      d,
			Metric:      s.Key,
			Name:        name,
			Unit:        s.Unit,
			ValueType:   sensorValueType(s.ValueType),
			DeviceClass: s.DeviceClass,
			StateClass:  s.StateClass,
			Icon:        s.Icon,
			Options:     s.Options,
		})
	}
	return defs
}

// Classify 调用JavaScript转换函数。脚本出错时该行不产生任何样本。
func (e *scriptEntry) Classify(d Device, row storage.RawRow) (samples []Sample) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("transformer %s panicked for %s: %v", e.query.Kind, d.ID, r)
			samples = nil
		}
	}()

	result, err := e.transform(goja.Undefined(), e.vm.ToValue(row.Columns))
	if err != nil {
		logger.Warn("transformer %s failed for %s: %v", e.query.Kind, d.ID, err)
		return nil
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil
	}

	values, ok := result.Export().(map[string]interface{})
	if !ok {
		logger.Warn("transformer %s returned %T, expected an object", e.query.Kind, result.Export())
		return nil
	}

	configured := make(map[string]bool, len(e.sensors))
	for _, s := range e.sensors {
		configured[s.Key] = true
		raw, ok := values[s.Key]
		if !ok || raw == nil {
			continue
		}
		value, ok := coerce(sensorValueType(s.ValueType), raw)
		if !ok {
			logger.Debug("dropping %s.%s for %s: unsupported value %v", e.query.Kind, s.Key, d.ID, raw)
			continue
		}
		samples = append(samples, Sample{
			DeviceID: d.ID,
			Metric:   s.Key,
			Value:    value,
			Observed: row.Timestamp,
		})
	}

	var unknown []string
	for k := range values {
		if !configured[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		logger.Debug("transformer %s returned unconfigured metrics %v", e.query.Kind, unknown)
	}
	return samples
}

func sensorValueType(s string) ValueType {
	switch ValueType(s) {
	case Text, Boolean:
		return ValueType(s)
	default:
		return Numeric
	}
}

// coerce converts an exported JS value to the sensor's value type. Objects,
// arrays and non-finite numbers are rejected.
func coerce(vt ValueType, raw interface{}) (interface{}, bool) {
	switch vt {
	case Boolean:
		b, ok := raw.(bool)
		return b, ok
	case Text:
		switch v := raw.(type) {
		case string:
			return v, true
		case bool, int64, float64:
			return fmt.Sprint(v), true
		}
		return nil, false
	default:
		switch v := raw.(type) {
		case int64:
			return v, true
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, false
			}
			return v, true
		case bool:
			if v {
				return int64(1), true
			}
			return int64(0), true
		case string:
			return storage.AsFloat64(v)
		}
		return nil, false
	}
}
