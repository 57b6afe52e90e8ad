package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/virtgpu/internal/dispatcher"
	"github.com/ChuLiYu/virtgpu/internal/storage/journal"
	"github.com/ChuLiYu/virtgpu/internal/vdev"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Device vdev.Config `yaml:"device"`

	Driver struct {
		Features   []string          `yaml:"features"` // 驅動希望啟用的功能
		Dispatcher dispatcher.Config `yaml:"dispatcher"`
	} `yaml:"driver"`

	Journal struct {
		Enabled       bool          `yaml:"enabled"`
		Path          string        `yaml:"path"`
		BufferSize    int           `yaml:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		SyncOnFlush   bool          `yaml:"sync_on_flush"`
	} `yaml:"journal"`

	Gate struct {
		RejectLogEvery     time.Duration `yaml:"reject_log_every"`
		RejectJournalEvery time.Duration `yaml:"reject_journal_every"` // REJECT 事件寫入日誌的速率
		RejectJournalBurst int           `yaml:"reject_journal_burst"`
	} `yaml:"gate"`

	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log LogConfig `yaml:"log"`
}

// LogConfig 日誌輸出設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// wantedFeatures parses Driver.Features
func (c *Config) wantedFeatures() (types.FeatureSet, error) {
	var fs types.FeatureSet
	for _, name := range c.Driver.Features {
		f, err := types.ParseFeature(name)
		if err != nil {
			return 0, err
		}
		fs = fs.With(f)
	}
	return fs, nil
}

// defaultConfig 在檔案沒有設定的欄位上提供預設值
func defaultConfig() *Config {
	cfg := &Config{Device: vdev.DefaultConfig()}
	cfg.Driver.Features = []string{"edid"}
	cfg.Driver.Dispatcher = dispatcher.DefaultConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = "./data/journal.log"
	cfg.Journal.BufferSize = journal.DefaultOptions.BufferSize
	cfg.Journal.FlushInterval = journal.DefaultOptions.FlushInterval
	cfg.Gate.RejectLogEvery = time.Second
	cfg.Gate.RejectJournalEvery = 10 * time.Millisecond
	cfg.Gate.RejectJournalBurst = 100
	cfg.Server.Listen = ":50051"
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

// setupLogger 依設定替換 slog 預設 logger，輸出到 w
//
// 各套件在呼叫當下才取用預設 logger，所以這裡的設定對所有套件生效。
func setupLogger(c LogConfig, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
}
