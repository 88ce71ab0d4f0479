package constants

import "time"

// Timing vocabulary shared across the bridge, broker and clients. Keeping
// these centralized makes the per-call timing budgets auditable in one
// place.
const (
	// DefaultExchangeTimeout bounds one write-and-read exchange on the
	// bus. ECUs routinely stay silent; this is the ordinary-failure
	// budget, not an error path.
	DefaultExchangeTimeout = 1500 * time.Millisecond

	// BridgeCommandTimeout bounds a full command round trip between the
	// client and the bridge process, including driver execution.
	BridgeCommandTimeout = 10 * time.Second

	// BridgeStartupDelay gives a freshly spawned bridge process time to
	// load the driver before the first command is sent.
	BridgeStartupDelay = 1 * time.Second

	// BridgeShutdownGrace is how long a quit command may take before the
	// bridge process is terminated forcibly.
	BridgeShutdownGrace = 5 * time.Second

	// BridgeKillGrace bounds the forced-termination wait.
	BridgeKillGrace = 2 * time.Second

	// WorkerWatchdogTimeout bounds one dequeued broker operation
	// independently of its per-call timeout, so a wedged driver call
	// cannot starve every client forever.
	WorkerWatchdogTimeout = 30 * time.Second

	// BrokerDialTimeout bounds a broker client's TCP connect.
	BrokerDialTimeout = 3 * time.Second

	// BrokerRoundTripTimeout bounds one request/response pair on the
	// broker socket, seen from the client.
	BrokerRoundTripTimeout = 45 * time.Second

	// VoltageSampleInterval is the period of the broker's battery
	// voltage sampling while the adapter is connected.
	VoltageSampleInterval = 5 * time.Second
)
