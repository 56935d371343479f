package types

import "time"

// MaxPixels 是对外暴露的光谱缓冲区固定长度
const MaxPixels = 2048

// LinkState 定义设备连接状态，取代“属性存在即已连接”式的探测
type LinkState string

const (
	LinkDisconnected LinkState = "DISCONNECTED"
	LinkConnecting   LinkState = "CONNECTING"
	LinkReady        LinkState = "READY"
	LinkError        LinkState = "ERROR"
)

// 以下 *State 结构都是不可变快照：驱动发布新值，读者只拷贝引用

// RotatorState 旋转台状态
type RotatorState struct {
	Link      LinkState `json:"link"`
	Connected bool      `json:"connected"`
	AngleDeg  int       `json:"angle_deg"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FilterState 滤光轮状态，Position 为 0 表示未知
type FilterState struct {
	Link      LinkState `json:"link"`
	Connected bool      `json:"connected"`
	Position  int       `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TempState 温控器状态
type TempState struct {
	Link         LinkState `json:"link"`
	Connected    bool      `json:"connected"`
	Primary      float64   `json:"primary"`
	PrimaryValid bool      `json:"primary_valid"`
	Aux          float64   `json:"aux"`
	AuxValid     bool      `json:"aux_valid"`
	Setpoint     float64   `json:"setpoint"`
	Powered      bool      `json:"powered"`
	TimedOut     bool      `json:"timed_out"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EnvState 温湿压传感器状态
type EnvState struct {
	Link        LinkState `json:"link"`
	Connected   bool      `json:"connected"`
	SensorID    string    `json:"sensor_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IMUReading 惯导最新读数，由后台读取协程整体替换
type IMUReading struct {
	Link        LinkState `json:"link"`
	Connected   bool      `json:"connected"`
	Roll        float64   `json:"roll"`
	Pitch       float64   `json:"pitch"`
	Yaw         float64   `json:"yaw"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Temperature float64   `json:"temperature"`
	Pressure    float64   `json:"pressure"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SpectrometerState 光谱仪状态
type SpectrometerState struct {
	Link          LinkState `json:"link"`
	Connected     bool      `json:"connected"`
	Serial        string    `json:"serial"`
	NativePixels  int       `json:"native_pixels"`
	Active        bool      `json:"active"`
	Stopping      bool      `json:"stopping"`
	IntegrationMs float64   `json:"integration_ms"`
	Averages      int       `json:"averages"`
	Cycles        int       `json:"cycles"`
	Repetitions   int       `json:"repetitions"`
	Wavelengths   []float64 `json:"-"`
	Intensities   []float64 `json:"-"`
	ScanCount     int64     `json:"scan_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RoutineInfo 描述当前例程及其运行进度
type RoutineInfo struct {
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	State     string    `json:"state"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// DataRow 是一次采样时刻所有设备状态和例程元数据的快照，写出后不可变
type DataRow struct {
	Timestamp    time.Time
	Routine      RoutineInfo
	Rotator      RotatorState
	Filter       FilterState
	Temp         TempState
	Env          EnvState
	IMU          IMUReading
	Spectrometer SpectrometerState
}
