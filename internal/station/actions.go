package station

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"spectro-station/internal/engine"
	"spectro-station/internal/recorder"
)

var (
	// ErrNoCamera 没有配置相机
	ErrNoCamera = errors.New("camera not available")
	// ErrNoRecorder 没有配置记录器
	ErrNoRecorder = errors.New("recorder not configured")
)

// Camera 抓拍静态图像；视频管线不在站点内
type Camera interface {
	Capture(path string) error
}

// Perform 把一条例程命令变成设备操作，设备操作提交后立即返回
func (s *Station) Perform(ctx context.Context, in engine.Instruction) error {
	switch in.Op {
	case engine.OpLog:
		s.logger.Info("例程日志", "message", in.Text)
		s.status(in.Text)
		return nil
	case engine.OpMotorMove:
		return s.MoveRotator(in.Int)
	case engine.OpMotorHome:
		return s.HomeRotator()
	case engine.OpFilterPosition:
		return s.MoveFilter(in.Int)
	case engine.OpFilterHome:
		return s.HomeFilter()
	case engine.OpSpecStart:
		return s.StartSpectrometer()
	case engine.OpSpecStop:
		return s.StopSpectrometer()
	case engine.OpSpecSave:
		_, err := s.SaveSpectrum()
		return err
	case engine.OpSpecSettings:
		return s.ConfigureSpectrometer(in.Settings)
	case engine.OpTempSetpoint:
		return s.SetTemperature(in.Float)
	case engine.OpTempOff:
		return s.TemperatureOff()
	case engine.OpDataStart:
		if s.recorder == nil {
			return ErrNoRecorder
		}
		if s.recorder.Active() {
			return nil
		}
		return s.recorder.Start()
	case engine.OpDataStop:
		if s.recorder == nil {
			return ErrNoRecorder
		}
		if !s.recorder.Active() {
			return nil
		}
		return s.recorder.Stop()
	case engine.OpDataSnapshot:
		if s.recorder == nil {
			return ErrNoRecorder
		}
		_, err := s.recorder.Snapshot()
		return err
	case engine.OpCameraCapture:
		_, err := s.Capture(in.Text)
		return err
	}
	return fmt.Errorf("%w: %s", engine.ErrUnknownCommand, in.Raw)
}

// Execute 解析并执行单条命令，供外部界面直接下发
func (s *Station) Execute(ctx context.Context, line string) error {
	in, err := engine.Parse(line)
	if err != nil {
		return err
	}
	if in.Op == engine.OpWait {
		return fmt.Errorf("%w: wait is only valid inside a routine", engine.ErrUnknownCommand)
	}
	return s.Perform(ctx, in)
}

// SaveSpectrum 把当前光谱导出为 snapshot_<ts>.csv
func (s *Station) SaveSpectrum() (string, error) {
	st := s.Spectrometer.State()
	path, err := recorder.ExportSnapshot(s.cfg.DataDir, st.Wavelengths, st.Intensities, time.Now().Format(recorder.FileTimeLayout))
	if err != nil {
		s.status(fmt.Sprintf("Save error: %v", err))
		return "", err
	}
	s.status(fmt.Sprintf("Saved snapshot to %s", path))
	return path, nil
}

// Capture 抓拍一张图片，文件名为空时使用 capture_<ts>.jpg
func (s *Station) Capture(filename string) (string, error) {
	if s.camera == nil {
		s.status("Camera not available")
		return "", ErrNoCamera
	}
	if filename == "" {
		filename = fmt.Sprintf("capture_%s.jpg", time.Now().Format(recorder.FileTimeLayout))
	}
	if err := os.MkdirAll(s.cfg.ImageDir, 0o755); err != nil {
		s.status(fmt.Sprintf("Error saving image: %v", err))
		return "", err
	}
	path := filepath.Join(s.cfg.ImageDir, filepath.Base(filename))
	if err := s.camera.Capture(path); err != nil {
		s.status(fmt.Sprintf("Camera capture error: %v", err))
		return "", err
	}
	s.status(fmt.Sprintf("Image saved to %s", path))
	return path, nil
}
