package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesSent counts committed batches that reached the transport.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordsync_frames_sent_total",
		Help: "Frames sent to the transport by result",
	}, []string{"result"})

	// FrameMessages tracks how many requests were coalesced per frame.
	FrameMessages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ordsync_frame_messages",
		Help:    "Number of request messages per frame",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	CallbackFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordsync_callback_failures_total",
		Help: "Callback failures by error class",
	}, []string{"class"})

	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordsync_resolutions_total",
		Help: "Descriptor resolutions by path and result",
	}, []string{"path", "result"})

	ResolveRoundTrips = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ordsync_resolve_round_trips",
		Help:    "Network round trips needed per resolution",
		Buckets: []float64{0, 1, 2, 3, 5, 8},
	})

	SyncOpsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordsync_sync_ops_applied_total",
		Help: "Sync ops applied to the mirror by op and outcome",
	}, []string{"op", "outcome"})

	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordsync_poll_cycles_total",
		Help: "Poll cycles by result",
	}, []string{"result"})

	StationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordsync_station_requests_total",
		Help: "Requests handled by the station simulator",
	}, []string{"channel", "key", "result"})
)

// ErrorClass maps an error to a short label for metrics.
func ErrorClass(err error) string {
	if err == nil {
		return "none"
	}
	return classify(err)
}
