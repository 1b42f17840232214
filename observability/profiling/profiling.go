/*
Package profiling mounts pprof and fgprof on a mux.
*/
package profiling

import (
	"log/slog"
	"net/http/pprof"
	"runtime"

	"github.com/felixge/fgprof"
	"github.com/go-chi/chi/v5"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/logger"
)

// Register adds the /debug/pprof endpoints to mux when PROFILING_ENABLED is set.
// It reports whether anything was mounted.
func Register(mux chi.Router, log logger.Logger, cfg *config.Config) bool {
	cfg.SetDefault("PROFILING_ENABLED", false)
	cfg.SetDefault("PROFILING_MUTEX_FRACTION", 10) //nolint:mnd // sample 1 of 10 mutex events
	cfg.SetDefault("PROFILING_BLOCK_RATE", 10)     //nolint:mnd // sample 1 of 10 blocking events

	if !cfg.GetBool("PROFILING_ENABLED") {
		return false
	}

	mux.HandleFunc("/debug/pprof/*", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))

	mux.Handle("/debug/pprof/fgprof", fgprof.Handler())

	runtime.SetMutexProfileFraction(cfg.GetInt("PROFILING_MUTEX_FRACTION"))
	runtime.SetBlockProfileRate(cfg.GetInt("PROFILING_BLOCK_RATE"))

	log.Info("pprof endpoints mounted", slog.String("path", "/debug/pprof/"))

	return true
}
