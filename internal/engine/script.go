package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"spectro-station/internal/types"
)

var (
	// ErrEmptyScript 去掉注释和空行后没有任何命令
	ErrEmptyScript = errors.New("routine script has no commands")
	// ErrUnknownCommand 命令动词无法识别
	ErrUnknownCommand = errors.New("unknown command")
)

// Script 是加载后的例程脚本，创建后不再修改
type Script struct {
	Name     string
	Source   string // 文件路径；内存脚本为空
	Commands []string
}

// ParseScript 读取例程文本，去掉 # 注释行和空行
func ParseScript(name, source string, r io.Reader) (*Script, error) {
	var cmds []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmds = append(cmds, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read routine %s: %w", name, err)
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyScript, name)
	}
	return &Script{Name: name, Source: source, Commands: cmds}, nil
}

// LoadScript 从文件加载例程，例程名取文件名去掉 .txt 后缀
func LoadScript(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routine: %w", err)
	}
	defer f.Close()
	return ParseScript(ScriptName(path), path, f)
}

// ScriptName 根据文件路径推导例程名
func ScriptName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".txt")
}

// Opcode 标识一条例程命令
type Opcode string

const (
	OpLog            Opcode = "log"
	OpMotorMove      Opcode = "motor_move"
	OpMotorHome      Opcode = "motor_home"
	OpFilterPosition Opcode = "filter_position"
	OpFilterHome     Opcode = "filter_home"
	OpSpecStart      Opcode = "spectrometer_start"
	OpSpecStop       Opcode = "spectrometer_stop"
	OpSpecSave       Opcode = "spectrometer_save"
	OpSpecSettings   Opcode = "spectrometer_settings"
	OpTempSetpoint   Opcode = "temp_setpoint"
	OpTempOff        Opcode = "temp_off"
	OpDataStart      Opcode = "data_start"
	OpDataStop       Opcode = "data_stop"
	OpDataSnapshot   Opcode = "data_snapshot"
	OpCameraCapture  Opcode = "camera_capture"
	OpWait           Opcode = "wait"
)

// SpectrometerSettings 是 "spectrometer settings" 命令的参数
type SpectrometerSettings struct {
	IntegrationMs float64
	Averages      int
	Cycles        int
	Repetitions   int
}

// Instruction 是解析后的一条例程命令
type Instruction struct {
	Op       Opcode
	Raw      string
	Text     string  // log 消息或 camera 文件名
	Int      int     // 角度、滤光轮位置或等待毫秒数
	Float    float64 // 温度设定值
	Settings SpectrometerSettings
}

// Parse 解析一行例程命令
// 无法识别的动词返回 ErrUnknownCommand，参数错误返回 types.ErrValue
func Parse(line string) (Instruction, error) {
	in := Instruction{Raw: line}
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return in, fmt.Errorf("%w: empty line", ErrUnknownCommand)
	}
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch parts[0] {
	case "log":
		in.Op = OpLog
		in.Text = strings.Join(parts[1:], " ")
		return in, nil

	case "wait":
		in.Op = OpWait
		if len(parts) < 2 {
			return in, malformed(line)
		}
		ms, err := strconv.Atoi(parts[1])
		if err != nil {
			return in, malformed(line)
		}
		in.Int = max(ms, 0)
		return in, nil

	case "motor":
		switch sub {
		case "move":
			in.Op = OpMotorMove
			if len(parts) < 3 {
				return in, malformed(line)
			}
			angle, err := strconv.ParseFloat(parts[2], 64)
			if err != nil {
				return in, malformed(line)
			}
			in.Int = int(math.Round(angle))
			return in, nil
		case "home":
			in.Op = OpMotorHome
			return in, nil
		}

	case "filter":
		switch sub {
		case "position":
			in.Op = OpFilterPosition
			if len(parts) < 3 {
				return in, malformed(line)
			}
			pos, err := strconv.Atoi(parts[2])
			if err != nil {
				return in, malformed(line)
			}
			in.Int = pos
			return in, nil
		case "home":
			in.Op = OpFilterHome
			return in, nil
		}

	case "spectrometer":
		switch sub {
		case "start":
			in.Op = OpSpecStart
			return in, nil
		case "stop":
			in.Op = OpSpecStop
			return in, nil
		case "save":
			in.Op = OpSpecSave
			return in, nil
		case "settings":
			in.Op = OpSpecSettings
			return parseSettings(in, parts[2:])
		}

	case "temp":
		switch sub {
		case "setpoint":
			in.Op = OpTempSetpoint
			if len(parts) < 3 {
				return in, malformed(line)
			}
			c, err := strconv.ParseFloat(parts[2], 64)
			if err != nil {
				return in, malformed(line)
			}
			in.Float = c
			return in, nil
		case "off":
			in.Op = OpTempOff
			return in, nil
		}

	case "data":
		switch sub {
		case "start":
			in.Op = OpDataStart
			return in, nil
		case "stop":
			in.Op = OpDataStop
			return in, nil
		case "snapshot":
			in.Op = OpDataSnapshot
			return in, nil
		}

	case "camera":
		if sub == "capture" {
			in.Op = OpCameraCapture
			if len(parts) >= 3 {
				in.Text = parts[2]
			}
			return in, nil
		}
	}
	return in, fmt.Errorf("%w: %s", ErrUnknownCommand, line)
}

// parseSettings 解析 <integration_ms> <averages> <cycles> [repetitions]
func parseSettings(in Instruction, args []string) (Instruction, error) {
	if len(args) < 3 {
		return in, malformed(in.Raw)
	}
	intMs, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return in, malformed(in.Raw)
	}
	ints := make([]int, 0, 3)
	for _, a := range args[1:min(len(args), 4)] {
		v, err := strconv.Atoi(a)
		if err != nil {
			return in, malformed(in.Raw)
		}
		ints = append(ints, v)
	}
	in.Settings = SpectrometerSettings{
		IntegrationMs: intMs,
		Averages:      ints[0],
		Cycles:        ints[1],
		Repetitions:   1,
	}
	if len(ints) == 3 {
		in.Settings.Repetitions = ints[2]
	}
	return in, nil
}

func malformed(line string) error {
	return fmt.Errorf("%w: invalid arguments in %q", types.ErrValue, line)
}
