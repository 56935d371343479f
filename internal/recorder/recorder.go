package recorder

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"spectro-station/internal/event"
	"spectro-station/internal/metrics"
	"spectro-station/internal/persistence"
	"spectro-station/internal/types"
)

// ErrNotRecording 记录器没有在记录
var ErrNotRecording = errors.New("recorder is not active")

const stoppedStatus = "Stopped continuous data saving"

// Config 记录器配置
type Config struct {
	DataDir  string        `mapstructure:"data_dir"`
	LogDir   string        `mapstructure:"log_dir"`
	Interval time.Duration `mapstructure:"interval"`
	Rule     string        `mapstructure:"rule"`
}

// Sampler 提供采样时刻所有设备和例程的快照
type Sampler interface {
	Sample() types.DataRow
}

// session 是一次记录会话打开的文件
type session struct {
	path    string
	file    *os.File
	buf     *bufio.Writer
	csv     *csv.Writer
	journal *persistence.Journal
	cancel  context.CancelFunc
	done    chan struct{}
}

// Recorder 按固定间隔把设备快照追加到 CSV
// 采样时钟独立于任何采集定时器
type Recorder struct {
	cfg       Config
	sampler   Sampler
	bus       *event.Bus
	rule      *Rule
	publisher Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	session *session
}

// New 创建记录器，过滤规则在此编译
func New(cfg Config, sampler Sampler, bus *event.Bus, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	rule, err := CompileRule(cfg.Rule)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		cfg:     cfg,
		sampler: sampler,
		bus:     bus,
		rule:    rule,
		logger:  logger.With("component", "recorder"),
	}, nil
}

// SetPublisher 设置可选的数据行转发器
func (r *Recorder) SetPublisher(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// Active 返回是否正在记录
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Path 返回当前 CSV 文件路径，未记录时为空
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.path
}

// Toggle 切换记录状态，返回切换后是否在记录
func (r *Recorder) Toggle() (bool, error) {
	if r.Active() {
		return false, r.Stop()
	}
	return true, r.Start()
}

// Start 打开 Scans_<routine>_<ts>.csv 和状态日志，写入表头后立即落盘
// 已在记录时不做任何事
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return nil
	}

	first := r.sampler.Sample()
	now := time.Now()
	ts := now.Format(FileTimeLayout)
	routine := first.Routine.Name
	if routine == "" {
		routine = "Unknown"
		first.Routine.Name = routine
	}

	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		r.status(fmt.Sprintf("Cannot open files: %v", err))
		return fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(r.cfg.DataDir, fmt.Sprintf("Scans_%s_%s.csv", routine, ts))
	f, err := os.Create(path)
	if err != nil {
		r.status(fmt.Sprintf("Cannot open files: %v", err))
		return err
	}
	journal, err := persistence.OpenJournal(r.cfg.LogDir, routine, now)
	if err != nil {
		f.Close()
		r.status(fmt.Sprintf("Cannot open files: %v", err))
		return err
	}

	s := &session{path: path, file: f, buf: bufio.NewWriter(f), journal: journal, done: make(chan struct{})}
	s.csv = csv.NewWriter(s.buf)
	if err := r.writeHeader(s, first, ts); err != nil {
		multierr.AppendInto(&err, f.Close())
		multierr.AppendInto(&err, journal.Close())
		r.status(fmt.Sprintf("Cannot open files: %v", err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	r.session = s
	go r.loop(ctx, s)

	r.logger.Info("开始连续记录", "path", path, "journal", journal.Path(), "interval", r.cfg.Interval, "rule", r.rule.String())
	r.bus.Publish(event.Event{Type: event.RecorderChanged, Path: path, Active: true})
	r.status(fmt.Sprintf("Started continuous data saving to %s", path))
	return nil
}

func (r *Recorder) writeHeader(s *session, first types.DataRow, ts string) error {
	if err := writeMetadata(s.buf, first, ts); err != nil {
		return err
	}
	if err := s.csv.Write(Header()); err != nil {
		return err
	}
	return s.sync()
}

// Stop 停止采样并关闭文件
func (r *Recorder) Stop() error {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.mu.Unlock()
	if s == nil {
		return ErrNotRecording
	}

	s.cancel()
	<-s.done

	err := s.sync()
	// 会话已清空，总线上的状态消息不会再进日志，结束语直接写入
	multierr.AppendInto(&err, s.journal.Status(stoppedStatus))
	multierr.AppendInto(&err, s.file.Close())
	multierr.AppendInto(&err, s.journal.Close())
	if err != nil {
		r.logger.Error("关闭记录文件失败", "path", s.path, "error", err)
	} else {
		r.logger.Info("停止连续记录", "path", s.path)
	}
	r.bus.Publish(event.Event{Type: event.RecorderChanged, Path: s.path, Active: false})
	r.status(stoppedStatus)
	return err
}

// Snapshot 写出一份只含当前一行的 Single_<routine>_<ts>.csv
func (r *Recorder) Snapshot() (string, error) {
	row := r.sampler.Sample()
	if row.Routine.Name == "" {
		row.Routine.Name = "Unknown"
	}
	path, err := WriteSingle(r.cfg.DataDir, row)
	if err != nil {
		r.status(fmt.Sprintf("Save error: %v", err))
		return "", err
	}
	r.status(fmt.Sprintf("Saved single measurement to %s", path))
	return path, nil
}

// Journal 在记录期间把一条记录追加到状态日志
func (r *Recorder) Journal(e persistence.Entry) {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.journal.Append(e); err != nil {
		r.logger.Warn("写状态日志失败", "error", err)
	}
}

// loop 是记录器的采样协程
func (r *Recorder) loop(ctx context.Context, s *session) {
	defer close(s.done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.appendRow(ctx, s, r.sampler.Sample())
		}
	}
}

func (r *Recorder) appendRow(ctx context.Context, s *session, row types.DataRow) {
	ok, err := r.rule.Accept(row)
	if err != nil {
		r.logger.Warn("过滤规则执行失败", "error", err, "rule", r.rule.String())
	}
	if !ok {
		metrics.RecorderRowsFiltered.Inc()
		return
	}
	if err := s.csv.Write(Record(row)); err != nil {
		r.logger.Error("写入数据行失败", "error", err)
		return
	}
	s.csv.Flush()
	if err := s.buf.Flush(); err != nil {
		r.logger.Error("写入数据行失败", "error", err)
		return
	}
	metrics.RecorderRowsTotal.Inc()

	r.mu.Lock()
	p := r.publisher
	r.mu.Unlock()
	if p != nil {
		if err := p.Publish(ctx, row); err != nil {
			r.logger.Warn("转发数据行失败", "error", err)
		}
	}
}

// sync 把缓冲区写入文件并 fsync
func (s *session) sync() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (r *Recorder) status(msg string) {
	r.bus.Publish(event.Event{Type: event.StatusMessage, Message: msg})
}
