// Package config fills configuration structs from environment variables
// using github.com/caarlos0/env struct tags, with optional .env files read
// through github.com/joho/godotenv.
//
// Each component owns its Config struct (pg.Config, redis.Config,
// billing.StripeConfig, ...) and the binary loads the ones it needs:
//
//	var cfg struct {
//		HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
//	}
//	config.MustLoad(&cfg)
package config
