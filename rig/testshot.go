package rig

import (
	"fmt"
	"log"
	"time"

	"github.com/paleobytes/ptmrig/arrival"
	"github.com/paleobytes/ptmrig/capture"
	"github.com/paleobytes/ptmrig/lightdome"
)

// telemetry is implemented by controllers that print back
type telemetry interface {
	Telemetry() (string, error)
}

// LastLight asks TestShot for the last light of the dome
const LastLight = -1

// TestShot fires one light outside of a session to check exposure and
// framing.  It blocks: light on, settle, shoot, settle, then poll for the
// image once per tick for the configured number of attempts.  Nothing is
// recorded.  LastLight selects the last light; any other negative index is
// out of range.
func (r *Rig) TestShot(index int) (arrival.Image, error) {
	if err := r.idle(); err != nil {
		return arrival.Image{}, err
	}
	n := r.LightCount()
	if index == LastLight {
		index = n - 1
	}
	if err := capture.CheckQueue([]int{index}, n); err != nil {
		return arrival.Image{}, err
	}
	var (
		img    arrival.Image
		found  bool
		dir    = r.Dir()
		settle = r.cfg.Capture.ShutterSettle()
		tick   = r.cfg.Capture.Tick()
	)
	err := lightdome.WithLink(r.link(), func(l lightdome.Link) error {
		watermark := time.Now()
		if err := l.Illuminate(index); err != nil {
			return err
		}
		time.Sleep(settle)
		if err := l.Shoot(index); err != nil {
			return err
		}
		time.Sleep(settle)
		if t, ok := l.(telemetry); ok {
			if line, err := t.Telemetry(); err == nil && line != "" {
				log.Printf("rig: test shot: controller says %q\n", line)
			}
		}
		for i := 0; i < r.cfg.Capture.TestShotAttempts; i++ {
			var err error
			img, found, err = r.watcher.PollNewest(dir, watermark)
			if err != nil {
				return err
			}
			if found {
				return nil
			}
			time.Sleep(tick)
		}
		return nil
	})
	if err != nil {
		return arrival.Image{}, err
	}
	if !found {
		return arrival.Image{}, fmt.Errorf("test shot, light %d: %w", index+1, capture.ErrCaptureTimeout)
	}
	log.Printf("rig: test shot, light %d: %s\n", index+1, img.Name)
	return img, nil
}
