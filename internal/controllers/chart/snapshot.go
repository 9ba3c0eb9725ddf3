package chart

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	defaultSnapshotTimeout = 20 * time.Second
	defaultSettle          = 750 * time.Millisecond
)

// SnapshotConfig configures chart page captures.
type SnapshotConfig struct {
	// PageURL is the chart page to capture.
	PageURL string
	// DebugURL attaches to an already running Chrome
	// (--remote-debugging-port) instead of launching a headless one.
	DebugURL string
	// WaitSelector is awaited before capturing. Default: body
	WaitSelector string
	// Settle is extra time for the chart to finish drawing.
	Settle  time.Duration
	Timeout time.Duration
	Width   int
	Height  int
}

// Capturer produces a PNG of the chart.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Snapshotter captures the chart page with chromedp.
type Snapshotter struct {
	cfg SnapshotConfig
}

// NewSnapshotter validates cfg and fills defaults.
func NewSnapshotter(cfg SnapshotConfig) (*Snapshotter, error) {
	cfg.PageURL = strings.TrimSpace(cfg.PageURL)
	parsed, err := url.Parse(cfg.PageURL)
	if cfg.PageURL == "" || err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https" && parsed.Scheme != "file") {
		return nil, fmt.Errorf("chart: snapshot page_url must be an http(s) or file url")
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSnapshotTimeout
	}
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 800
	}
	return &Snapshotter{cfg: cfg}, nil
}

// Capture loads the chart page and screenshots the viewport.
func (s *Snapshotter) Capture(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if s.cfg.DebugURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, s.cfg.DebugURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.WindowSize(s.cfg.Width, s.cfg.Height),
			chromedp.DisableGPU,
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var buf []byte
	err := chromedp.Run(taskCtx,
		chromedp.EmulateViewport(int64(s.cfg.Width), int64(s.cfg.Height)),
		chromedp.Navigate(s.cfg.PageURL),
		chromedp.WaitVisible(s.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(s.cfg.Settle),
		chromedp.CaptureScreenshot(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("chart: snapshot failed: %w", err)
	}
	return buf, nil
}
