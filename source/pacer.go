package source

import (
	"time"

	"github.com/vidflow/vidflow/media"
)

// pacer throttles a file-backed producer to wall-clock speed using packet
// DTS (PTS fallback). The anchor is set on the first timestamped packet;
// network sources that are already real-time run with pacing disabled.
type pacer struct {
	enabled  bool
	anchored bool
	wall     time.Time
	ts       int64

	now   func() time.Time
	sleep func(time.Duration)
}

func newPacer(enabled bool) *pacer {
	return &pacer{
		enabled: enabled,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// wait blocks until the wall clock catches up with the packet's position
// in the stream. Packets without timestamps pass through unthrottled.
func (p *pacer) wait(ts int64, tb media.TimeBase) {
	if !p.enabled || ts == media.NoPTS {
		return
	}
	if !p.anchored {
		p.anchored = true
		p.wall = p.now()
		p.ts = ts
		return
	}
	elapsed := time.Duration(tb.Seconds(ts-p.ts) * float64(time.Second))
	target := p.wall.Add(elapsed)
	if d := target.Sub(p.now()); d > 0 {
		p.sleep(d)
	}
}
