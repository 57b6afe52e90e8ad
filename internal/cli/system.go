package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/virtgpu/internal/device"
	"github.com/ChuLiYu/virtgpu/internal/dispatcher"
	"github.com/ChuLiYu/virtgpu/internal/gate"
	"github.com/ChuLiYu/virtgpu/internal/metrics"
	"github.com/ChuLiYu/virtgpu/internal/storage/journal"
	"github.com/ChuLiYu/virtgpu/internal/vdev"
)

// System 把模擬裝置、驅動裝置、分派器、安全閘門與日誌組裝在一起
type System struct {
	GPU        *vdev.Device
	Device     *device.Device
	Dispatcher *dispatcher.Dispatcher
	Gate       *gate.Gate
	Journal    *journal.Journal // journal.enabled 為 false 時為 nil
	Registry   *prometheus.Registry
}

// NewSystem 依設定建立所有元件，但不啟動
func NewSystem(cfg *Config) (*System, error) {
	advertised, err := cfg.Device.AdvertisedFeatures()
	if err != nil {
		return nil, fmt.Errorf("device features: %w", err)
	}
	wanted, err := cfg.wantedFeatures()
	if err != nil {
		return nil, fmt.Errorf("driver features: %w", err)
	}

	gpu, err := vdev.New(cfg.Device)
	if err != nil {
		return nil, err
	}
	if id := gpu.Identity(); !device.Probe(id) {
		return nil, fmt.Errorf("unsupported device %04x:%04x", id.VendorID, id.DeviceID)
	}

	dev := device.New()
	if err := dev.Configure(gpu.Primitives(), advertised, wanted); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	s := &System{
		GPU:      gpu,
		Device:   dev,
		Registry: reg,
	}

	dispOpts := []dispatcher.Option{dispatcher.WithMetrics(collector)}
	gateOpts := []gate.Option{
		gate.WithMetrics(collector),
		gate.WithRejectLogEvery(cfg.Gate.RejectLogEvery),
		gate.WithRejectJournalLimit(cfg.Gate.RejectJournalEvery, cfg.Gate.RejectJournalBurst),
	}

	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		j, err := journal.Open(cfg.Journal.Path, journal.Options{
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
			SyncOnFlush:   cfg.Journal.SyncOnFlush,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		s.Journal = j
		dispOpts = append(dispOpts, dispatcher.WithJournal(j))
		gateOpts = append(gateOpts, gate.WithJournal(j))
	}

	s.Dispatcher = dispatcher.New(dev, cfg.Driver.Dispatcher, dispOpts...)
	s.Gate = gate.New(s.Dispatcher, gateOpts...)
	return s, nil
}

// Start 啟動模擬裝置，完成初始化後啟動分派器
func (s *System) Start() error {
	if err := s.GPU.Start(); err != nil {
		return err
	}
	if err := s.Device.MarkReady(); err != nil {
		return err
	}
	if err := s.Dispatcher.Start(); err != nil {
		return err
	}
	slog.Info("Driver ready",
		"vendor", fmt.Sprintf("%#04x", s.GPU.Identity().VendorID),
		"device", fmt.Sprintf("%#04x", s.GPU.Identity().DeviceID),
		"features", s.Device.Features().String())
	return nil
}

// Stop 依相反順序停止；可重複呼叫
func (s *System) Stop() {
	s.Dispatcher.Stop()
	s.GPU.Stop()
	if s.Journal != nil {
		if err := s.Journal.Close(); err != nil {
			slog.Error("Failed to close journal", "error", err)
		}
	}
}
