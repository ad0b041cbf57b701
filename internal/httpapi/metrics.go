package httpapi

// Metrics is the subset of metrics.Metrics the HTTP layer updates
// directly: the open-log-subscription gauge and the webhook accept/reject
// counters. Job counters are updated by the dispatcher, and queue depth is
// read from the queue at scrape time, not from here. Optional: a nil-safe
// no-op is used if not provided, the same pattern the dispatcher uses.
type Metrics interface {
	LogSubscriberOpened()
	LogSubscriberClosed()
	WebhookAccepted()
	WebhookRejected()
}

type noopMetrics struct{}

func (noopMetrics) LogSubscriberOpened() {}
func (noopMetrics) LogSubscriberClosed() {}
func (noopMetrics) WebhookAccepted()     {}
func (noopMetrics) WebhookRejected()     {}
