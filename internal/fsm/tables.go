package fsm

// 设备连接状态
const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateReady        State = "READY"
	StateError        State = "ERROR"
)

const (
	EventConnect    Event = "CONNECT"
	EventConnected  Event = "CONNECTED"
	EventLinkFault  Event = "LINK_FAULT"
	EventDisconnect Event = "DISCONNECT"
)

// LinkTable 设备连接状态转移表
var LinkTable = []Transition{
	{StateDisconnected, EventConnect, StateConnecting},
	{StateError, EventConnect, StateConnecting},
	{StateReady, EventConnect, StateConnecting}, // 重连
	{StateConnecting, EventConnected, StateReady},
	{StateConnecting, EventLinkFault, StateError},
	{StateReady, EventLinkFault, StateError},
	{StateConnecting, EventDisconnect, StateDisconnected},
	{StateReady, EventDisconnect, StateDisconnected},
	{StateError, EventDisconnect, StateDisconnected},
}

// 例程运行状态
const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateStopping  State = "STOPPING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

const (
	EventStart  Event = "START"
	EventStop   Event = "STOP"
	EventFinish Event = "FINISH"
	EventHalted Event = "HALTED"
	EventFail   Event = "FAIL"
	EventReset  Event = "RESET"
)

// RoutineTable 例程状态转移表
// 单条命令出错不会触发 FAIL，只有工作协程内的未预期故障才会
var RoutineTable = []Transition{
	{StateIdle, EventStart, StateRunning},
	{StateCompleted, EventStart, StateRunning},
	{StateFailed, EventStart, StateRunning},
	{StateRunning, EventStop, StateStopping},
	{StateRunning, EventFinish, StateCompleted},
	{StateRunning, EventFail, StateFailed},
	{StateStopping, EventHalted, StateIdle},
	{StateStopping, EventFail, StateFailed},
	{StateCompleted, EventReset, StateIdle},
	{StateFailed, EventReset, StateIdle},
}
