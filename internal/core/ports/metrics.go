package ports

import (
	"time"

	"camrelay/internal/core/domain"
)

type Metrics interface {
	GrantCreated()
	AdmissionResult(result string)
	GrantRetired(cause domain.RetireCause)
	ViewersChanged(delta int)
	SweepCompleted(d time.Duration, retired int)

	RelayStarted(sourceID domain.SourceID)
	RelayStopped(sourceID domain.SourceID)
	RelayRestarted(sourceID domain.SourceID)
	RelayFailed(sourceID domain.SourceID)
	RelayBytes(sourceID domain.SourceID, n int)

	SubscriberAdded(sourceID domain.SourceID)
	SubscriberRemoved(sourceID domain.SourceID)
	SubscriberEvicted(sourceID domain.SourceID)
	ControlClients(n int)
}

type NopMetrics struct{}

func (NopMetrics) GrantCreated()                     {}
func (NopMetrics) AdmissionResult(string)            {}
func (NopMetrics) GrantRetired(domain.RetireCause)   {}
func (NopMetrics) ViewersChanged(int)                {}
func (NopMetrics) SweepCompleted(time.Duration, int) {}
func (NopMetrics) RelayStarted(domain.SourceID)      {}
func (NopMetrics) RelayStopped(domain.SourceID)      {}
func (NopMetrics) RelayRestarted(domain.SourceID)    {}
func (NopMetrics) RelayFailed(domain.SourceID)       {}
func (NopMetrics) RelayBytes(domain.SourceID, int)   {}
func (NopMetrics) SubscriberAdded(domain.SourceID)   {}
func (NopMetrics) SubscriberRemoved(domain.SourceID) {}
func (NopMetrics) SubscriberEvicted(domain.SourceID) {}
func (NopMetrics) ControlClients(int)                {}
