package cmd

import (
	"io"
	"time"

	"github.com/cheggaaa/pb"

	"github.com/CloudNativeWorks/otad/internal/ota"
)

// progressBar draws installer progress. While the image size is only an
// estimate the bar runs against the estimate and is corrected once the real
// total is known.
type progressBar struct {
	bar       *pb.ProgressBar
	estimated bool
	// out overrides the terminal
	out io.Writer
}

// update starts the bar on the first progress with a total and moves it to p.
func (b *progressBar) update(p ota.Progress) {
	if p.Total <= 0 {
		return
	}
	if b.bar == nil {
		b.bar = pb.New64(p.Total)
		b.bar.ShowSpeed = true
		b.bar.Units = pb.U_BYTES
		b.bar.Prefix("Downloading ")
		if b.out != nil {
			b.bar.Output = b.out
		}
		b.bar.Start()
		b.estimated = p.Estimated
	}
	if b.estimated && !p.Estimated {
		b.bar.SetTotal64(p.Total)
		b.estimated = false
	}
	b.bar.Set64(p.Received)
}

func (b *progressBar) finish() {
	if b.bar != nil {
		b.bar.Finish()
		b.bar = nil
	}
}

// trackProgress redraws the installer's progress every pollInterval until
// done is closed.
func trackProgress(inst *ota.Installer, done <-chan struct{}) {
	var bar progressBar
	defer bar.finish()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		bar.update(inst.Snapshot().Progress)
		select {
		case <-done:
			bar.update(inst.Snapshot().Progress)
			return
		case <-ticker.C:
		}
	}
}
