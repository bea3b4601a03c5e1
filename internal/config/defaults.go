package config

// ApplyDefaults sets sensible default values on the given Config.
// Values already set (non-zero) are not overwritten by YAML unmarshalling
// later, so these serve as the baseline configuration.
func ApplyDefaults(cfg *Config) {
	// --- Log ---
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	// --- Server ---
	cfg.Server.Enabled = true
	cfg.Server.ListenAddress = ":8080"

	// --- X API ---
	cfg.X.BaseURL = "https://api.twitter.com"
	cfg.X.PageSize = 10
	cfg.X.MaxRequestsPerSecond = 1
	cfg.X.BurstRequests = 3
	cfg.X.RequestTimeoutSeconds = 15
	cfg.X.MaxBackoffWaitSeconds = 30

	// --- Monitor ---
	cfg.Monitor.PollIntervalSeconds = 60
	cfg.Monitor.Concurrency = 1
	cfg.Monitor.FetchTimeoutSeconds = 30
	cfg.Monitor.SeenCapacity = 200
	cfg.Monitor.ProviderOrder = "newest_first"
	cfg.Monitor.ResumePersisted = true

	// --- Storage ---
	cfg.Storage.Backend = "file"
	cfg.Storage.Path = "data"
	cfg.Storage.RedisPrefix = "postwatch"

	// --- Notify ---
	cfg.Notify.Log.Enabled = true
	cfg.Notify.Webhook.TimeoutSeconds = 10
}
