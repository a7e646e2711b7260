package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

// Prometheus counters
var (
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_sessions_opened_total",
		Help: "Total interface sessions opened through the driver.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vbus_sessions_active",
		Help: "Current number of open interface sessions.",
	})
	RxQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_rx_queued_frames_total",
		Help: "Total arrivals stored in a session receive queue.",
	})
	RxDrained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_rx_drained_frames_total",
		Help: "Total queued arrivals handed to clients by receive.",
	})
	RxDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_rx_dispatched_frames_total",
		Help: "Total arrivals handed to client callbacks.",
	})
	RxOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_rx_overflow_frames_total",
		Help: "Total arrivals rejected by a full receive queue.",
	})
	TxBatchesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_tx_batches_accepted_total",
		Help: "Total send batches admitted to a session transmitter.",
	})
	TxBatchesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_tx_batches_rejected_total",
		Help: "Total send batches rejected as a whole.",
	})
	BusFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_bus_frames_total",
		Help: "Total frames published on virtual buses.",
	})
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from the serial link.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to the serial link.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN interface.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from cannelloni clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to cannelloni clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by a bus hub due to slow bridge clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total bridge clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total bridge connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected bridge clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of members targeted in the most recent publication.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among bridge clients since last sample.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per bridge client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	StatusErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vbus_status_errors_total",
		Help: "Failed driver and monitor calls by outcome code.",
	}, []string{"code"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrBusPublish     = "bus_publish"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANRead  = "socketcan_read"
	ErrCallbackPanic  = "callback_panic"
	ErrRxOverflow     = "rx_overflow"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSessions    atomic.Int64
	localOpened      atomic.Uint64
	localRxQueued    atomic.Uint64
	localRxDrained   atomic.Uint64
	localRxDispatch  atomic.Uint64
	localRxOverflow  atomic.Uint64
	localTxAccepted  atomic.Uint64
	localTxRejected  atomic.Uint64
	localBusFrames   atomic.Uint64
	localSerialRx    atomic.Uint64
	localSerialTx    atomic.Uint64
	localSocketCANTx atomic.Uint64
	localSocketCANRx atomic.Uint64
	localTCPRx       atomic.Uint64
	localTCPTx       atomic.Uint64
	localHubDrop     atomic.Uint64
	localHubKick     atomic.Uint64
	localHubReject   atomic.Uint64
	localErrors      atomic.Uint64
	localStatusErrs  atomic.Uint64
	localHubClients  atomic.Uint64
	localFanout      atomic.Uint64
	localMalformed   atomic.Uint64
	localQDMax       atomic.Uint64
	localQDAvg       atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Sessions      int64
	Opened        uint64
	RxQueued      uint64
	RxDrained     uint64
	RxDispatched  uint64
	RxOverflow    uint64
	TxAccepted    uint64
	TxRejected    uint64
	BusFrames     uint64
	SerialRx      uint64
	SocketCANRx   uint64
	SerialTx      uint64
	SocketCANTx   uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	StatusErrors  uint64 // sum across codes
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		Sessions:      localSessions.Load(),
		Opened:        localOpened.Load(),
		RxQueued:      localRxQueued.Load(),
		RxDrained:     localRxDrained.Load(),
		RxDispatched:  localRxDispatch.Load(),
		RxOverflow:    localRxOverflow.Load(),
		TxAccepted:    localTxAccepted.Load(),
		TxRejected:    localTxRejected.Load(),
		BusFrames:     localBusFrames.Load(),
		SerialRx:      localSerialRx.Load(),
		SocketCANRx:   localSocketCANRx.Load(),
		SerialTx:      localSerialTx.Load(),
		SocketCANTx:   localSocketCANTx.Load(),
		TCPRx:         localTCPRx.Load(),
		TCPTx:         localTCPTx.Load(),
		HubDrops:      localHubDrop.Load(),
		HubKicks:      localHubKick.Load(),
		HubRejects:    localHubReject.Load(),
		Errors:        localErrors.Load(),
		StatusErrors:  localStatusErrs.Load(),
		HubClients:    localHubClients.Load(),
		Fanout:        localFanout.Load(),
		Malformed:     localMalformed.Load(),
		QueueDepthMax: localQDMax.Load(),
		QueueDepthAvg: localQDAvg.Load(),
	}
}

// SessionOpened and SessionClosed track the session gauge.
func SessionOpened() {
	SessionsOpened.Inc()
	SessionsActive.Inc()
	localOpened.Add(1)
	localSessions.Add(1)
}

func SessionClosed() {
	SessionsActive.Dec()
	localSessions.Add(-1)
}

func IncRxQueued() {
	RxQueued.Inc()
	localRxQueued.Add(1)
}

// AddRxDrained counts n arrivals handed out by one receive call.
func AddRxDrained(n int) {
	RxDrained.Add(float64(n))
	localRxDrained.Add(uint64(n))
}

func IncRxDispatched() {
	RxDispatched.Inc()
	localRxDispatch.Add(1)
}

func IncRxOverflow() {
	RxOverflow.Inc()
	localRxOverflow.Add(1)
	IncError(ErrRxOverflow)
}

func IncTxAccepted() {
	TxBatchesAccepted.Inc()
	localTxAccepted.Add(1)
}

func IncTxRejected() {
	TxBatchesRejected.Inc()
	localTxRejected.Add(1)
}

func IncBusFrames() {
	BusFrames.Inc()
	localBusFrames.Add(1)
}

func IncSerialRx() {
	SerialRxFrames.Inc()
	localSerialRx.Add(1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	localSocketCANRx.Add(1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	localSerialTx.Add(1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	localSocketCANTx.Add(1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	localTCPRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	localTCPTx.Add(uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	localFanout.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

// IncStatus counts a failed call under its outcome code name. OK is ignored.
func IncStatus(c status.Code) {
	if c == status.OK {
		return
	}
	StatusErrors.WithLabelValues(c.String()).Inc()
	localStatusErrs.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(maxDepth, avg int) {
	HubQueueDepthMax.Set(float64(maxDepth))
	HubQueueDepthAvg.Set(float64(avg))
	localQDMax.Store(uint64(maxDepth))
	localQDAvg.Store(uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common label series so the first error does not pay registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrBusPublish,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
		ErrCallbackPanic, ErrRxOverflow,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, c := range []status.Code{
		status.BufferTooSmall, status.InvalidHandle, status.InvalidFrame,
		status.TxBufferOverflow, status.VendorInternal, status.VendorRxOverflow,
	} {
		StatusErrors.WithLabelValues(c.String()).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
