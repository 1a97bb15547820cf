// Package pg bootstraps PostgreSQL access on top of pgx/v5: a retrying
// pool constructor configured from the environment, goose migrations read
// from an embedded filesystem, a readiness probe, and helpers that classify
// driver errors.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	db := pg.OpenDB(pool)
//	if err := pg.Migrate(ctx, db, migrations.FS, ".", cfg, log); err != nil {
//		return err
//	}
//
// IsUnavailableError separates "the database is out of reach" from "the
// statement failed", which callers map onto retryable and permanent errors.
package pg
