package vdev

import (
	"time"

	"github.com/ChuLiYu/virtgpu/internal/virtqueue"
)

// queueWorker 負責一個 ring：等待 Notify，取出所有請求並逐一回應
type queueWorker struct {
	dev     *Device
	ring    *virtqueue.Ring
	latency time.Duration
}

func newQueueWorker(dev *Device, ring *virtqueue.Ring) *queueWorker {
	return &queueWorker{
		dev:     dev,
		ring:    ring,
		latency: dev.cfg.Latency,
	}
}

// Run 持續處理直到 stopCh 關閉
func (w *queueWorker) Run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-w.ring.Notify():
		}

		for {
			desc, ok := w.ring.Pop()
			if !ok {
				break
			}
			if w.latency > 0 {
				timer := time.NewTimer(w.latency)
				select {
				case <-stopCh:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			w.dev.serve(w.ring, desc)
		}
	}
}
