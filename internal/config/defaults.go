package config

const (
	defaultCapacityKiB    = 1024
	defaultMaxConnections = 32
	defaultPollIntervalMS = 50
	defaultDispatchBatch  = 64
	defaultReapStaleSlots = true
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"

	minCapacityKiB    = 4
	maxCapacityKiB    = 1 << 20
	maxConnections    = 1024
	maxPollIntervalMS = 60_000
	maxDispatchBatch  = 4096
)

// Default returns a Config populated with repository defaults. The channel
// root is resolved during normalization so IPCBUS_ROOT can override it.
func Default() Config {
	return Config{
		Channels: Channels{
			CapacityKiB:    defaultCapacityKiB,
			MaxConnections: defaultMaxConnections,
			PollIntervalMS: defaultPollIntervalMS,
			DispatchBatch:  defaultDispatchBatch,
			ReapStaleSlots: defaultReapStaleSlots,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
