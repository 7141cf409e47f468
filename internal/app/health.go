package app

import (
	"time"

	"ilswbot/internal/runtime/supervisor"
	"ilswbot/internal/transport/telegram/router"
)

type health struct {
	Status     string              `json:"status"`
	Bot        string              `json:"bot"`
	Uptime     string              `json:"uptime"`
	Router     router.Stats        `json:"router"`
	LastTick   *tickHealth         `json:"last_tick,omitempty"`
	Goroutines supervisor.Counters `json:"goroutines"`
}

type tickHealth struct {
	At       time.Time `json:"at"`
	Waiting  int       `json:"waiting"`
	Probed   bool      `json:"probed"`
	Result   string    `json:"result,omitempty"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Cleared  int       `json:"cleared"`
	Unmarked int       `json:"unmarked"`
	Took     string    `json:"took"`
}

// health is served by the debug endpoint at /healthz.
func (a *App) health() any {
	h := health{
		Status: "ok",
		Bot:    a.adapter.Username(),
		Uptime: time.Since(a.started).Truncate(time.Second).String(),
		Router: a.router.Stats(),
	}
	if a.sup != nil {
		h.Goroutines = a.sup.Counters()
		if a.sup.Err() != nil {
			h.Status = "degraded"
		}
	}
	if rep, ok := a.notif.LastTick(); ok {
		th := &tickHealth{
			At:       rep.At,
			Waiting:  rep.Waiting,
			Probed:   rep.Probed,
			Sent:     rep.Sent,
			Failed:   rep.Failed,
			Cleared:  rep.Cleared,
			Unmarked: rep.Unmarked,
			Took:     rep.Took.String(),
		}
		if rep.Probed {
			th.Result = rep.Result.String()
		}
		h.LastTick = th
	}
	return h
}
