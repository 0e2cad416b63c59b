package config

// Upstream defaults.
const (
	DefaultHubURL              = "https://everywhere-hub.com/v2/api/tracks"
	DefaultCacheRefreshMs      = 300000  // 5 minutes
	DefaultRetentionDurationMs = 3600000 // 60 minutes
)

// ApplyDefaults sets sensible default values on the given Config.
// Values already set (non-zero) are not overwritten by YAML unmarshalling
// later, so these serve as the baseline configuration.
func ApplyDefaults(cfg *Config) {
	// --- Log ---
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	// --- Server ---
	cfg.Server.ListenAddress = ":8080"
	cfg.Server.Webhook.Enabled = true

	// --- Hub ---
	cfg.Hub.URL = DefaultHubURL
	cfg.Hub.CacheRefreshMs = DefaultCacheRefreshMs
	cfg.Hub.RetentionDurationMs = DefaultRetentionDurationMs
	cfg.Hub.TimeBoundFormat = TimeBoundEpochMillis
	cfg.Hub.KeyPrefix = "inreach"
	cfg.Hub.RequestTimeoutSeconds = 30
	cfg.Hub.MaxRequestsPerSecond = 1
	cfg.Hub.BurstRequestsPerSecond = 1

	// --- Schedule ---
	cfg.Schedule.IntervalSeconds = 60

	// --- State ---
	cfg.State.Backend = BackendMemory
	cfg.State.Key = "everywhere-relay"
	cfg.State.LockTTLMs = 30000

	// --- Output ---
	cfg.Output.WebSocket = true
	cfg.Output.QueueSize = 64

	cfg.Debug = false
}
