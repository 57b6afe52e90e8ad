// ============================================================================
// virtgpu Simulated Device - 模擬 virtio-gpu 裝置端
// ============================================================================
//
// Package: internal/vdev
// 文件: device.go
// 功能: 在 virtqueue 的另一端扮演 GPU，讀取命令並回寫回應
//
// 架構組件:
//   ┌────────────┐  Enqueue   ┌──────────────┐  Notify  ┌──────────────┐
//   │ Dispatcher │ ─────────> │ virtqueue    │ ───────> │ queueWorker  │
//   └────────────┘            │ Ring (x3)    │          │ (每個佇列一個)│
//         ↑       Interrupt   │              │   Push   │              │
//         └────────────────── │              │ <─────── │              │
//                             └──────────────┘          └──────────────┘
//                                                             │
//                                                       state (資源/畫面/游標)
//
// 生命週期:
//   1. New() - 建立裝置，初始化畫面與資源表
//   2. Start() - 每個佇列啟動一個 worker goroutine
//   3. Stop() - 關閉 stopCh，等待所有 worker 結束
//
// 故障注入:
//   - Latency: 每個命令回應前的延遲
//   - FailureRate: 以此機率回傳 RESP_ERR_UNSPEC
//
// ============================================================================

package vdev

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
	"github.com/ChuLiYu/virtgpu/internal/virtqueue"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyStarted 表示裝置已啟動
	ErrAlreadyStarted = errors.New("vdev: device already started")
	// ErrStopped 表示裝置已停止，無法再啟動
	ErrStopped = errors.New("vdev: device stopped")
)

// ============================================================================
// 設定
// ============================================================================

// Display 是一個畫面的解析度
type Display struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
}

// Config 控制模擬裝置的行為
type Config struct {
	QueueSize   int           `yaml:"queue_size"`   // 每個 ring 的描述符數量
	Displays    []Display     `yaml:"displays"`     // 畫面列表，順序即 scanout id
	MaxHostMem  uint64        `yaml:"max_host_mem"` // 資源總大小上限，0 表示不限
	Latency     time.Duration `yaml:"latency"`      // 每個命令的回應延遲
	FailureRate float64       `yaml:"failure_rate"` // 0..1
	Seed        int64         `yaml:"seed"`
	Features    []string      `yaml:"features"` // 裝置宣告的功能
}

// DefaultConfig 回傳單一 1024x768 畫面的設定
func DefaultConfig() Config {
	return Config{
		QueueSize:  256,
		Displays:   []Display{{Width: 1024, Height: 768}},
		MaxHostMem: 256 << 20,
		Seed:       1,
		Features:   []string{"edid"},
	}
}

// AdvertisedFeatures 解析 Features 欄位
func (c Config) AdvertisedFeatures() (types.FeatureSet, error) {
	var fs types.FeatureSet
	for _, name := range c.Features {
		f, err := types.ParseFeature(name)
		if err != nil {
			return 0, err
		}
		fs = fs.With(f)
	}
	return fs, nil
}

// ============================================================================
// Device
// ============================================================================

// Device 是模擬的 virtio-gpu 裝置
type Device struct {
	cfg   Config
	rings [types.NumQueues]*virtqueue.Ring

	mu    sync.Mutex // 保護 state、rng、processed
	state *state
	rng   *rand.Rand

	processed [types.NumQueues]int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	lifeMu  sync.Mutex
	started bool
	stopped bool
}

// New 建立裝置與三個 ring
func New(cfg Config) (*Device, error) {
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("vdev: failure rate %v out of [0, 1]", cfg.FailureRate)
	}
	d := &Device{
		cfg:    cfg,
		state:  newState(cfg.Displays, cfg.MaxHostMem),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		stopCh: make(chan struct{}),
	}
	for i := range d.rings {
		r, err := virtqueue.NewRing(types.QueueIndex(i), cfg.QueueSize)
		if err != nil {
			return nil, err
		}
		d.rings[i] = r
	}
	return d, nil
}

// Identity 回傳 PCI 識別碼
func (d *Device) Identity() types.DeviceIdentity {
	return types.VirtioGPUIdentity
}

// Primitives 回傳 driver 端使用的三個佇列，順序為 control/cursor/display
func (d *Device) Primitives() [types.NumQueues]virtqueue.Primitive {
	var out [types.NumQueues]virtqueue.Primitive
	for i, r := range d.rings {
		out[i] = r
	}
	return out
}

// Ring 回傳指定佇列的 ring
func (d *Device) Ring(idx types.QueueIndex) *virtqueue.Ring {
	if !idx.Valid() {
		return nil
	}
	return d.rings[idx]
}

// Start 為每個佇列啟動一個 worker
func (d *Device) Start() error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return ErrAlreadyStarted
	}

	for _, r := range d.rings {
		w := newQueueWorker(d, r)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			w.Run(d.stopCh)
		}()
	}
	d.started = true
	slog.Info("Simulated device started", "queues", len(d.rings), "scanouts", len(d.cfg.Displays))
	return nil
}

// Stop 停止所有 worker；可重複呼叫
func (d *Device) Stop() {
	d.lifeMu.Lock()
	if d.stopped {
		d.lifeMu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	d.lifeMu.Unlock()

	d.wg.Wait()
	slog.Info("Simulated device stopped", "processed", d.Processed())
}

// Step 同步處理指定佇列上所有待處理的請求，不套用延遲；回傳處理數量
func (d *Device) Step(idx types.QueueIndex) int {
	r := d.Ring(idx)
	if r == nil {
		return 0
	}
	n := 0
	for {
		desc, ok := r.Pop()
		if !ok {
			return n
		}
		d.serve(r, desc)
		n++
	}
}

// serve 處理一個描述符並推入 used ring
func (d *Device) serve(r *virtqueue.Ring, desc virtqueue.Descriptor) {
	resp := d.Handle(desc.Data)
	if err := r.Push(desc.ID, resp); err != nil {
		slog.Error("Failed to post response", "queue", r.Index(), "desc", desc.ID, "error", err)
	}
}

// Handle 解碼一個完整命令（含 header）並回傳編碼後的回應
func (d *Device) Handle(data []byte) []byte {
	hdr, cmd, err := gpucmd.Decode(data)
	if err != nil {
		slog.Warn("Malformed command", "type", fmt.Sprintf("%#x", hdr.Type), "error", err)
		return gpucmd.EncodeResponse(hdr, gpucmd.RespErrUnspec, nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.processed[queueOf(cmd.Kind())]++
	if d.cfg.FailureRate > 0 && d.rng.Float64() < d.cfg.FailureRate {
		slog.Debug("Injected failure", "kind", cmd.Kind(), "fence", hdr.FenceID)
		return gpucmd.EncodeResponse(hdr, gpucmd.RespErrUnspec, nil)
	}

	code, body := d.state.execute(cmd)
	if !code.OK() {
		slog.Debug("Command failed", "kind", cmd.Kind(), "fence", hdr.FenceID, "code", code)
	}
	return gpucmd.EncodeResponse(hdr, code, body)
}

func queueOf(k gpucmd.Kind) types.QueueIndex {
	switch k {
	case gpucmd.KindUpdateCursor, gpucmd.KindMoveCursor:
		return types.QueueCursor
	case gpucmd.KindGetDisplayInfo:
		return types.QueueControl
	default:
		return types.QueueDisplay
	}
}

// ============================================================================
// 狀態查詢
// ============================================================================

// Resource 回傳資源的複本
func (d *Device) Resource(id uint32) (Resource, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, ok := d.state.resources[id]
	if !ok {
		return Resource{}, false
	}
	cp := *res
	cp.Backing = append([]gpucmd.MemEntry(nil), res.Backing...)
	return cp, true
}

// Scanouts 回傳所有畫面的複本
func (d *Device) Scanouts() []Scanout {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Scanout(nil), d.state.scanouts...)
}

// Cursor 回傳游標狀態
func (d *Device) Cursor() Cursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.cursor
}

// Processed 回傳各佇列（依命令類別）已處理的命令數
func (d *Device) Processed() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]int, len(d.processed))
	for i, n := range d.processed {
		out[types.QueueIndex(i).String()] = n
	}
	return out
}
