package config

import (
	"os"
	"runtime"

	"github.com/spf13/viper"
)

// setDefaults seeds every configuration key with its default value.
func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.http_addr", defaultHTTPAddr)
	v.SetDefault("orchestrator.phase_timeout", "1h")

	v.SetDefault("graph_store.uri", defaultGraphStoreURI)
	v.SetDefault("graph_store.user", defaultGraphStoreUser)
	v.SetDefault("graph_store.database", defaultGraphStoreDB)
	v.SetDefault("graph_store.data_dir", "")

	v.SetDefault("cache.directory", defaultCacheDir)
	v.SetDefault("cache.max_size", defaultCachePrune)
	v.SetDefault("cache.max_age", "168h")

	v.SetDefault("backup.directory", defaultBackupDir)
	v.SetDefault("backup.max_age", "168h")
	v.SetDefault("backup.keep_minimum", 3)

	v.SetDefault("artifact.directory", defaultArtifactDir)

	v.SetDefault("parse.max_file_bytes", defaultMaxFileBytes)
	v.SetDefault("parse.worker_min", defaultWorkerMin)
	v.SetDefault("parse.worker_max", defaultWorkerMax())
	v.SetDefault("parse.memory_soft_cap_mb", defaultMemorySoftCap)
	v.SetDefault("parse.resize_window", defaultResizeWindow)

	v.SetDefault("load.batch_size", defaultBatchSize)
	v.SetDefault("load.batch_floor", defaultBatchFloor)
	v.SetDefault("load.batch_step", defaultBatchStep)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// workerMaxCap bounds the default worker pool width regardless of core
// count: min(32, 2*cores).
const workerMaxCap = 32

func defaultWorkerMax() int {
	n := 2 * runtime.NumCPU()
	if n > workerMaxCap {
		return workerMaxCap
	}

	return n
}

// lookupRawEnv reads an environment variable directly, bypassing viper's
// ORCH_-prefixed automatic binding, for the handful of variables that are
// read verbatim (e.g. GRAPH_STORE_URI rather than ORCH_GRAPH_STORE_URI).
func lookupRawEnv(_ *viper.Viper, name string) (string, bool) {
	return os.LookupEnv(name)
}
