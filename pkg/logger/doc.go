// Package logger builds log/slog loggers for the service and provides the
// attribute helpers used across the billing code, so that the same fact is
// always logged under the same key.
//
//	log := logger.New(
//		logger.WithEnvironment("production", "gradekit-server"),
//		logger.WithContextExtractors(requestid.LoggerExtractor()),
//	)
//	log.InfoContext(ctx, "subscription synced", logger.Account(email), logger.Tier("core"))
package logger
