package watch

import (
	"strings"
	"time"
)

const pulseWidth = 5

// Pulse lights up when an event arrives and fades one dot every two seconds.
type Pulse struct {
	lit  int
	last time.Time
}

func (p *Pulse) Hit(now time.Time) {
	p.lit = pulseWidth
	p.last = now
}

func (p *Pulse) Fade(now time.Time) {
	if p.last.IsZero() {
		return
	}
	p.lit = max(pulseWidth-int(now.Sub(p.last)/(2*time.Second)), 0)
}

func (p Pulse) Last() time.Time { return p.last }

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseWidth {
		if i < p.lit {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}
