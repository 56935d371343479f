package types

import "time"

// DeviceID 定义设备 ID
// 使用字符串类型，方便在日志、配置和 HTTP 路由中直接使用
type DeviceID string

const (
	DeviceRotator        DeviceID = "rotator"         // 旋转台 (Modbus RTU)
	DeviceFilterWheel    DeviceID = "filter_wheel"    // 滤光轮 (4800 baud ASCII)
	DeviceSpectrometer   DeviceID = "spectrometer"    // 光谱仪 (厂商 SDK)
	DeviceTempController DeviceID = "temp_controller" // 温控器 (TC-36-25)
	DeviceEnvSensor      DeviceID = "env_sensor"      // 温湿压传感器 (JSON over serial)
	DeviceIMU            DeviceID = "imu"             // 惯导 (连续输出)
)

// AllDevices 按固定顺序列出所有设备，用于遍历和状态展示
var AllDevices = []DeviceID{
	DeviceRotator,
	DeviceFilterWheel,
	DeviceSpectrometer,
	DeviceTempController,
	DeviceEnvSensor,
	DeviceIMU,
}

// Result 表示一次设备操作的结果，每个操作只投递一次
type Result struct {
	Device  DeviceID  // 关联的设备
	Op      string    // 操作名称: connect, send, poll, stop ...
	Success bool      // 是否成功
	Value   any       // 解析后的值 (位置、角度、读数等)，可能为 nil
	Status  string    // 面向用户的简短状态文本；为空表示无需上报
	Kind    ErrorKind // 失败时的错误分类
	Err     error     // 失败时的原始错误
	At      time.Time // 结果产生时间
}

// Failed 根据错误构造失败结果，错误分类由 KindOf 推导
func Failed(device DeviceID, op string, err error, status string) Result {
	return Result{
		Device: device,
		Op:     op,
		Kind:   KindOf(err),
		Err:    err,
		Status: status,
		At:     time.Now(),
	}
}

// Succeeded 构造成功结果
func Succeeded(device DeviceID, op string, value any, status string) Result {
	return Result{
		Device:  device,
		Op:      op,
		Success: true,
		Value:   value,
		Status:  status,
		At:      time.Now(),
	}
}
