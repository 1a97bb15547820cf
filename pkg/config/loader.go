package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var defaultEnvLoaded sync.Once

// Load parses environment variables into v according to its `env` tags.
// The ./.env file, if present, is read once per process; variables already
// set in the environment win over the file. Every call parses afresh, so
// tests can change the environment between calls.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	defaultEnvLoaded.Do(func() {
		// A missing .env file is the normal case in production.
		_ = godotenv.Load()
	})
	return parse(v)
}

// LoadFiles reads the given env files and then parses v. Unlike Load, a
// missing file is an error.
func LoadFiles[T any](v *T, files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		return errors.Join(ErrEnvFile, err)
	}
	return parse(v)
}

// MustLoad is Load for configuration the process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

func parse[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}
