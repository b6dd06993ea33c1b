// Package config loads and distributes the pilot agent configuration.
//
// # Loading
//
// Loader merges JSON files in layers over Defaults, converts duration
// strings ("250ms", "1m", "14d"), applies PILOT_* environment overrides and
// validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.json")
//	loader.AddLayer("configs/cluster.json") // overrides base
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Objects merge key by key with the later layer winning. Stage "options"
// are handed raw to the stage factory, so they replace rather than merge.
//
// # Environment Variable Overrides
//
//	PILOT_NATS_URLS        comma separated server list
//	PILOT_NATS_USERNAME, PILOT_NATS_PASSWORD, PILOT_NATS_TOKEN
//	PILOT_BRIDGES          name=address pairs, comma separated
//	PILOT_ID, PILOT_CORES, PILOT_SANDBOX, PILOT_BASE_DIR, PILOT_CLEANUP
//	PILOT_DEBUG            "debug" turns on ownership assertions
//	PILOT_LOG_LEVEL, PILOT_LOG_FORMAT
//	PILOT_API_ADDR
//	PILOT_MANAGER_STORE, PILOT_MANAGER_BUCKET
//	PILOT_PROFILE          CSV file for profile events
//
// # Runtime Updates
//
// Manager keeps one KV key per top-level section in a NATS bucket. On first
// boot it pushes the file configuration; afterwards the file is pushed only
// when its version is newer, otherwise the bucket wins. Changes made in the
// bucket are validated and delivered to OnChange subscribers:
//
//	cm, err := config.NewConfigManager(ctx, cfg, client, "", logger)
//	if err != nil {
//		return err
//	}
//	if err := cm.Start(ctx); err != nil {
//		return err
//	}
//	defer cm.Stop(5 * time.Second)
//
//	for update := range cm.OnChange("log") {
//		level.Set(parseLevel(update.Config.Get().Log.Level))
//	}
//
// # Security
//
// Files are limited to 10MB and 100 levels of nesting, must be regular
// files ending in .json, and relative paths may not leave the working
// directory.
package config
