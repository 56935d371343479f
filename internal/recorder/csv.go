package recorder

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"spectro-station/internal/types"
)

// FileTimeLayout 是文件名里的时间戳格式
const FileTimeLayout = "20060102_150405"

// RowTimeLayout 是 Timestamp 列的格式
const RowTimeLayout = "2006-01-02 15:04:05.000"

// fixedColumns 是像素列之前的固定列
var fixedColumns = []string{
	"Timestamp", "RoutineName", "RoutineStep", "Cycles", "Repetitions",
	"MotorAngle_deg", "FilterPos",
	"Roll_deg", "Pitch_deg", "Yaw_deg",
	"Pressure_hPa", "Temperature_C",
	"TempCtrl_curr", "TempCtrl_set", "TempCtrl_aux",
	"Latitude_deg", "Longitude_deg", "IntegrationTime_ms",
	"THP_Temp_C", "THP_Humidity_pct", "THP_Pressure_hPa",
}

// Header 返回完整的列名行，像素列固定为 Pixel_0..Pixel_2047
func Header() []string {
	h := make([]string, 0, len(fixedColumns)+types.MaxPixels)
	h = append(h, fixedColumns...)
	for i := 0; i < types.MaxPixels; i++ {
		h = append(h, "Pixel_"+strconv.Itoa(i))
	}
	return h
}

// Record 把一行数据展开成 CSV 字段，与 Header 一一对应
func Record(row types.DataRow) []string {
	rec := make([]string, 0, len(fixedColumns)+types.MaxPixels)
	rec = append(rec,
		row.Timestamp.Format(RowTimeLayout),
		row.Routine.Name,
		strconv.Itoa(row.Routine.Index),
		strconv.Itoa(row.Spectrometer.Cycles),
		strconv.Itoa(row.Spectrometer.Repetitions),
		strconv.Itoa(row.Rotator.AngleDeg),
		strconv.Itoa(row.Filter.Position),
		num(row.IMU.Roll),
		num(row.IMU.Pitch),
		num(row.IMU.Yaw),
		num(row.IMU.Pressure),
		num(row.IMU.Temperature),
		optional(row.Temp.Primary, row.Temp.PrimaryValid),
		num(row.Temp.Setpoint),
		optional(row.Temp.Aux, row.Temp.AuxValid),
		num(row.IMU.Latitude),
		num(row.IMU.Longitude),
		num(row.Spectrometer.IntegrationMs),
		num(row.Env.Temperature),
		num(row.Env.Humidity),
		num(row.Env.Pressure),
	)
	pix := row.Spectrometer.Intensities
	for i := 0; i < types.MaxPixels; i++ {
		if i < len(pix) {
			rec = append(rec, strconv.FormatFloat(pix[i], 'f', 4, 64))
		} else {
			rec = append(rec, "0")
		}
	}
	return rec
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// optional 无效读数写空字段
func optional(v float64, valid bool) string {
	if !valid {
		return ""
	}
	return num(v)
}

// writeMetadata 写 # 开头的元数据块
func writeMetadata(w *bufio.Writer, row types.DataRow, start string) error {
	_, err := fmt.Fprintf(w, "# Routine: %s\n# Cycles: %d\n# Repetitions: %d\n# Start Time: %s\n# ----------------------------------------\n",
		row.Routine.Name, max(row.Spectrometer.Cycles, 1), max(row.Spectrometer.Repetitions, 1), start)
	return err
}

// ExportSnapshot 把当前光谱写成 snapshot_<ts>.csv，只保留强度非零的像素
func ExportSnapshot(dir string, wavelengths, intensities []float64, ts string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "snapshot_"+ts+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "Wavelength (nm),Intensity")
	for i, inten := range intensities {
		if i >= len(wavelengths) {
			break
		}
		if inten != 0 {
			fmt.Fprintf(w, "%.4f,%.4f\n", wavelengths[i], inten)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// WriteSingle 写只含一行数据的 Single_<routine>_<ts>.csv
func WriteSingle(dir string, row types.DataRow) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	ts := row.Timestamp.Format(FileTimeLayout)
	path := filepath.Join(dir, fmt.Sprintf("Single_%s_%s.csv", row.Routine.Name, ts))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	bw := bufio.NewWriter(f)
	if err := writeMetadata(bw, row, ts); err != nil {
		f.Close()
		return "", err
	}
	cw := csv.NewWriter(bw)
	cw.Write(Header())
	cw.Write(Record(row))
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return "", err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
