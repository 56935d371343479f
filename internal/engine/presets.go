package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnknownPreset 模板名不存在
var ErrUnknownPreset = errors.New("unknown preset")

// PresetNames 列出内置的例程模板
var PresetNames = []string{
	"Solar Spectrum",
	"Dark Current",
	"Calibration",
	"Full Scan",
	"Temperature Test",
}

// PresetFileName 返回模板对应的文件名，如 schedule_full_scan.txt
func PresetFileName(name string) string {
	return "schedule_" + strings.ReplaceAll(strings.ToLower(name), " ", "_") + ".txt"
}

// PresetScript 生成模板例程的文本
func PresetScript(name string, now time.Time) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Schedule - Created %s\n\n", name, now.Format("2006-01-02 15:04:05"))
	w := func(lines ...string) {
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}

	switch name {
	case "Solar Spectrum":
		w("# Solar spectrum measurement routine",
			"log Starting Solar Spectrum measurement",
			"motor move 0",
			"wait 1000",
			"filter position 1",
			"wait 1000",
			"spectrometer start",
			"wait 2000",
			"spectrometer save",
			"log Solar Spectrum measurement completed")
	case "Dark Current":
		w("# Dark current measurement routine",
			"log Starting Dark Current measurement",
			"filter position 6",
			"wait 1000",
			"spectrometer start",
			"wait 2000",
			"spectrometer save",
			"log Dark Current measurement completed")
	case "Calibration":
		w("# Calibration routine",
			"log Starting Calibration sequence",
			"motor move 0",
			"wait 1000")
		for _, pos := range []int{1, 2} {
			w(fmt.Sprintf("filter position %d", pos),
				"wait 1000",
				"spectrometer start",
				"wait 2000",
				"spectrometer save")
		}
		w("log Calibration sequence completed")
	case "Full Scan":
		w("# Full scan routine with all filters",
			"log Starting Full Scan sequence",
			"motor move 0",
			"wait 1000")
		for pos := 1; pos <= 6; pos++ {
			w(fmt.Sprintf("filter position %d", pos),
				"wait 1000",
				"spectrometer start",
				"wait 2000",
				fmt.Sprintf("log Saving measurement with filter position %d", pos),
				"spectrometer save",
				"wait 1000")
		}
		w("log Full Scan sequence completed")
	case "Temperature Test":
		w("# Temperature test routine",
			"log Starting Temperature Test sequence")
		for _, c := range []int{20, 25, 30} {
			w(fmt.Sprintf("temp setpoint %d.0", c),
				"wait 10000",
				"spectrometer start",
				"wait 2000",
				fmt.Sprintf("log Saving measurement at %d°C", c),
				"spectrometer save")
		}
		w("temp off",
			"log Temperature Test sequence completed")
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownPreset, name)
	}
	return b.String(), nil
}

// WritePreset 把模板写入 dir 并返回文件路径
func WritePreset(dir, name string) (string, error) {
	text, err := PresetScript(name, time.Now())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create schedule dir: %w", err)
	}
	path := filepath.Join(dir, PresetFileName(name))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write preset %s: %w", name, err)
	}
	return path, nil
}
