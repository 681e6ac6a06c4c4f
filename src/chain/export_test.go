package chain

import "time"

func SetRetryDelay(e *Endpoints, d time.Duration) { e.retryDelay = d }

func SetClock(e *Endpoints, now func() time.Time) { e.now = now }
