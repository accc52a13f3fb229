// Package progress renders a fetch request's done/total progress
// callback as a live terminal bar.
package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// Bar renders a live progress bar for one request's done/total tile
// counter, invoked from a tileforge.Callbacks.Progress handler.
type Bar struct {
	bar *progressbar.ProgressBar
}

// NewBar creates a progress bar for a request expected to produce total
// tiles, writing to w (os.Stderr in cmd/tileforge-fetch).
func NewBar(total int, description string, w io.Writer) *Bar {
	return &Bar{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
	}
}

// Set updates the bar to reflect `done` completed out of its total.
func (b *Bar) Set(done int) {
	_ = b.bar.Set(done)
}

// Finish marks the bar complete.
func (b *Bar) Finish() {
	_ = b.bar.Finish()
}
