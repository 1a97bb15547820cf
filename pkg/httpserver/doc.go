// Package httpserver runs an http.Server bound to a context: cancelling the
// context drains in-flight requests and Run returns. It also provides the
// liveness and readiness handlers mounted at /healthz and /readyz.
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	srv := httpserver.New(cfg, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//		log.Error("server failed", logger.Error(err))
//	}
package httpserver
