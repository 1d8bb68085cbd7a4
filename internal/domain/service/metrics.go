package service

import "time"

// Metrics records token cache and sync outcomes.
type Metrics interface {
	TokenLookup(tier, outcome string)
	TokenExchange(outcome string)
	SyncCompleted(kind, outcome string, elapsed time.Duration)
	SyncChanges(added, updated, deleted int)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) TokenLookup(string, string) {}
func (NoopMetrics) TokenExchange(string) {}
func (NoopMetrics) SyncCompleted(string, string, time.Duration) {}
func (NoopMetrics) SyncChanges(int, int, int) {}
