package metrics

type Counter interface {
	Inc()
	Add(float64)
}

type Metrics struct {
	TicksTotal          Counter
	TickErrors          Counter
	OrdersApproved      Counter
	OrdersQueued        Counter
	OrdersRejected      Counter
	OrdersSubmitted     Counter
	OrdersFailed        Counter
	Failovers           Counter
	WatchdogTimeouts    Counter
	HealthCheckFailures Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func (noopCounter) Add(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		TicksTotal:          n,
		TickErrors:          n,
		OrdersApproved:      n,
		OrdersQueued:        n,
		OrdersRejected:      n,
		OrdersSubmitted:     n,
		OrdersFailed:        n,
		Failovers:           n,
		WatchdogTimeouts:    n,
		HealthCheckFailures: n,
	}
}
