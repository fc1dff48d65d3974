package transformer

import (
	"time"
)

// ValueType 表示传感器值的类型
type ValueType string

const (
	Numeric ValueType = "numeric"
	Text    ValueType = "string"
	Boolean ValueType = "boolean"
)

// Device 表示一个被追踪的设备
type Device struct {
	ID           string // 稳定标识（别名或名称的slug）
	Name         string // 显示名称
	Manufacturer string
	Model        string
	Connectivity string // bluetooth 或 unknown
	Identifier   string // 原始标识，通常是MAC地址
	RowID        int64  // DEVICE表中的行号
}

// SensorDefinition 描述一个可被发现的传感器
type SensorDefinition struct {
	Device      Device
	Metric      string
	Name        string
	Unit        string
	ValueType   ValueType
	DeviceClass string
	StateClass  string
	Icon        string
	Options     []string
}

// Key is unique per device and metric. Device ids and metric keys never
// contain "/", so distinct pairs never share a key.
func (d SensorDefinition) Key() string {
	return sensorKey(d.Device.ID, d.Metric)
}

// UniqueID is the Home Assistant unique_id of the sensor.
func (d SensorDefinition) UniqueID() string {
	return "gadgetbridge_" + d.Device.ID + "-" + d.Metric
}

// Sample 表示一次观测值
type Sample struct {
	DeviceID string
	Metric   string
	// Value is one of int64, float64, string or bool.
	Value    interface{}
	Observed time.Time
}

// Key matches SensorDefinition.Key for the same device and metric.
func (s Sample) Key() string {
	return sensorKey(s.DeviceID, s.Metric)
}

func sensorKey(deviceID, metric string) string {
	return deviceID + "/" + metric
}
