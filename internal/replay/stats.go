package replay

import (
	"context"

	"solana-event-listener/internal/domain"
)

// Stats summarizes a replayed event log.
type Stats struct {
	TotalEvents   int    `json:"total_events"`
	LogEvents     int    `json:"log_events"`
	AccountEvents int    `json:"account_events"`
	MinSlot       uint64 `json:"min_slot"`
	MaxSlot       uint64 `json:"max_slot"`
	FirstCaptured string `json:"first_captured,omitempty"`
	LastCaptured  string `json:"last_captured,omitempty"`
	// SlotRegressions counts events whose slot is lower than the previous
	// event's. Expected with several subscriptions or after a reconnect.
	SlotRegressions int `json:"slot_regressions"`

	// Distinct program IDs and account pubkeys seen.
	Programs []string `json:"programs,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
}

// StatsEngine implements ReplayEngine and accumulates Stats.
type StatsEngine struct {
	stats    Stats
	lastSlot uint64
	programs map[string]struct{}
	accounts map[string]struct{}
}

// NewStatsEngine creates a new stats engine.
func NewStatsEngine() *StatsEngine {
	return &StatsEngine{
		programs: make(map[string]struct{}),
		accounts: make(map[string]struct{}),
	}
}

// OnEvent records event.
func (e *StatsEngine) OnEvent(_ context.Context, event domain.Event) error {
	slot := event.EventSlot()
	captured := event.CapturedAt().String()

	if e.stats.TotalEvents == 0 {
		e.stats.MinSlot = slot
		e.stats.MaxSlot = slot
		e.stats.FirstCaptured = captured
	} else if slot < e.lastSlot {
		e.stats.SlotRegressions++
	}
	e.stats.TotalEvents++
	e.stats.LastCaptured = captured
	e.lastSlot = slot

	if slot < e.stats.MinSlot {
		e.stats.MinSlot = slot
	}
	if slot > e.stats.MaxSlot {
		e.stats.MaxSlot = slot
	}

	switch ev := event.(type) {
	case *domain.LogEvent:
		e.stats.LogEvents++
		if _, ok := e.programs[ev.ProgramID]; !ok {
			e.programs[ev.ProgramID] = struct{}{}
			e.stats.Programs = append(e.stats.Programs, ev.ProgramID)
		}
	case *domain.AccountEvent:
		e.stats.AccountEvents++
		if _, ok := e.accounts[ev.Pubkey]; !ok {
			e.accounts[ev.Pubkey] = struct{}{}
			e.stats.Accounts = append(e.stats.Accounts, ev.Pubkey)
		}
	}
	return nil
}

// Stats returns the accumulated statistics.
func (e *StatsEngine) Stats() Stats {
	return e.stats
}
