package model

// SensorAlert is a single triggered-condition event reported by a sensor
// node. It is stored durably by Storage until the sensor-alert executer
// consumes it.
type SensorAlert struct {
	ID            int64
	SensorID      int64
	NodeID        int64
	State         int // 0 or 1
	HasOptionalData bool
	OptionalData  map[string]interface{}
	ChangeState   bool
	HasLatestData bool
	DataType      DataType
	Data          SensorData
	AlertLevels   []int
	TimeReceived  int64
}
