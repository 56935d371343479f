package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// OperationsInFlight 仪表盘：当前正在后台执行的设备操作数
	OperationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "station_operations_in_flight",
		Help: "The number of device operations currently running on background workers",
	})

	// OperationsTotal 计数器：完成的设备操作总数
	// 按设备、操作名和结果 (success/failed) 分类
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "station_operations_total",
		Help: "The total number of completed device operations",
	}, []string{"device", "op", "status"})

	// OperationDuration 直方图：设备操作耗时分布
	// 滤光轮的稳定等待会落在 1s 以上的桶里
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "station_operation_duration_seconds",
		Help:    "Time spent executing a device operation",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 1.5, 2.5, 5},
	}, []string{"device"})

	// RoutineCommandsTotal 计数器：例程执行的命令数，按动词和结果分类
	RoutineCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routine_commands_total",
		Help: "The total number of routine commands executed",
	}, []string{"verb", "result"})

	// RecorderRowsTotal 计数器：写入 CSV 的数据行数
	RecorderRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_rows_total",
		Help: "The total number of data rows appended by the recorder",
	})

	// RecorderRowsFiltered 计数器：被过滤规则丢弃的数据行数
	RecorderRowsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_rows_filtered_total",
		Help: "The total number of data rows rejected by the recorder rule",
	})

	// IMUFramesDropped 计数器：无法解析而被丢弃的 IMU 数据行
	IMUFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imu_frames_dropped_total",
		Help: "The total number of malformed IMU lines discarded by the reader",
	})

	// SpectrometerScansTotal 计数器：光谱仪回调次数，按结果 (ok/error/dropped) 分类
	SpectrometerScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrometer_scans_total",
		Help: "The total number of scan callbacks received from the spectrometer",
	}, []string{"result"})
)
