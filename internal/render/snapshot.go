package render

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// ErrHeadlessUnavailable 表示本机没有可用的 headless Chrome。
var ErrHeadlessUnavailable = errors.New("headless chrome unavailable")

const snapshotTimeout = 20 * time.Second

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 只探测一次，结果缓存。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		parent, cancel := chromedp.NewContext(ctx)
		defer cancel()
		headlessErr = chromedp.Run(parent)
	})
	if headlessErr != nil {
		return errors.Join(ErrHeadlessUnavailable, headlessErr)
	}
	return nil
}

// SnapshotPNG renders the dashboard HTML in headless Chrome and returns a full-page PNG.
func SnapshotPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if width <= 0 {
		width = defaultWidthPx * 2
	}
	if height <= 0 {
		height = chartHeightPx * 3
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, snapshotTimeout)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 90),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
