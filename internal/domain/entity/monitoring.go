package entity

// CycleStatus is the state reported at each cycle boundary.
type CycleStatus string

const (
	CycleStatusRunning CycleStatus = "running"
	CycleStatusSuccess CycleStatus = "success"
	CycleStatusError   CycleStatus = "error"
)

// MonitoringType tags every event emitted by this service.
const MonitoringType = "Bad Debt"

// MonitoringEvent is the heartbeat emitted at each cycle boundary. Times are
// unix seconds and RunEvery is the cadence in minutes.
type MonitoringEvent struct {
	Name             string      `json:"name"`
	Type             string      `json:"type"`
	Status           CycleStatus `json:"status"`
	LastStart        int64       `json:"lastStart,omitempty"`
	LastEnd          int64       `json:"lastEnd,omitempty"`
	LastDuration     int64       `json:"lastDuration,omitempty"`
	LastBlockFetched uint64      `json:"lastBlockFetched,omitempty"`
	Error            string      `json:"error,omitempty"`
	RunEvery         int64       `json:"runEvery"`
}
