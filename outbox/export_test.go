package outbox

import "time"

func (o *Outbox) SetClock(now func() time.Time) {
	o.now = now
}
