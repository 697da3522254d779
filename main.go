// Command streamhub relays a live-stream feed to websocket viewers.
//
//	streamhub --addr=:3005
//
// Viewers connect to /ws?unique_id=<stream>&api_key=<account>. The first
// viewer of a stream opens the upstream session; every further viewer of
// the same stream shares it. The session is closed when the last viewer
// leaves, or by the periodic sweep if the stream ends on its own.
//
// Frames sent to viewers are JSON envelopes:
//
//	{"type": "room_event", "unique_id": "bob", "name": "join", "data": {}}
//
// Viewers may send "operation.room_info" or "operation.sub_info".
// Current rooms and viewers are reported at /ws/stats.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		L().Fatal().Err(err).Msg("failed to load configuration")
	}
	initLogger(cfg.Log)
	startMetrics(cfg.Metrics.Tick)

	dialer, err := newDialer(cfg.Upstream, cfg.Redis)
	if err != nil {
		L().Fatal().Err(err).Msg("failed to create upstream dialer")
	}
	if c, ok := dialer.(io.Closer); ok {
		defer c.Close()
	}

	gw := newGateway(dialer, cfg.registryConfig())
	gw.start()

	// Prepare the stoppable HTTP server
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: newHandler(gw, cfg.Server.Origin),
	}
	hd := &httpdown.HTTP{
		StopTimeout: cfg.Server.StopTimeout,
		KillTimeout: cfg.Server.KillTimeout,
	}

	L().Info().
		Str("addr", cfg.Server.Addr).
		Str("upstream", cfg.Upstream.Driver).
		Dur("cleanup_interval", cfg.Rooms.CleanupInterval).
		Msg("starting streamhub")
	if err := httpdown.ListenAndServe(server, hd); err != nil {
		L().Error().Err(err).Msg("server stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Upstream.DisconnectTimeout+time.Second)
	defer cancel()
	gw.close(ctx)
	finalMetrics()
	L().Info().Msg("streamhub stopped")
}

func newHandler(gw *gateway, origin string) http.Handler {
	handler := mux.NewRouter()
	handler.Use(requestLogger)

	// Route websocket requests
	handler.Path("/ws").HeadersRegexp(
		// Requests with these headers will use this handler
		"Connection", "(?i)upgrade",
		"Upgrade", "(?i)websocket",
	).Handler(newWsHandler(gw, origin))
	handler.Path("/ws").HandlerFunc(upgradeRequiredHandler)

	// Route control-plane requests
	handler.Path("/ws/stats").Methods("GET").Handler(statsHandler{gw: gw})
	handler.Path("/health").Methods("GET").HandlerFunc(healthHandler)

	return handler
}
