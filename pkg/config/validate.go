package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration for structural and cross-field errors.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid value for %s (%s)", e.Namespace(), e.Tag())
		}
		return err
	}
	return validateCrossFields(cfg)
}

// validateCrossFields enforces the constraints struct tags cannot express.
func validateCrossFields(cfg *Config) error {
	if cfg.Database.Type == "postgres" {
		pg := cfg.Database.Postgres
		if pg.Host == "" || pg.Database == "" || pg.User == "" {
			return fmt.Errorf("postgres database requires host, database and user")
		}
	}
	if cfg.Database.Type == "sqlite" && cfg.Database.SQLite.Path == "" {
		return fmt.Errorf("sqlite database requires a path")
	}

	seen := make(map[string]bool, len(cfg.Storage))
	for _, sc := range cfg.Storage {
		if seen[sc.ID] {
			return fmt.Errorf("duplicate storage id %q", sc.ID)
		}
		seen[sc.ID] = true
		switch sc.Type {
		case "local":
			if sc.Root == "" {
				return fmt.Errorf("storage %q: local backend requires a root", sc.ID)
			}
		case "s3":
			if sc.Bucket == "" {
				return fmt.Errorf("storage %q: s3 backend requires a bucket", sc.ID)
			}
		}
	}
	if !seen[cfg.DefaultStorage] {
		return fmt.Errorf("default storage %q is not a configured backend", cfg.DefaultStorage)
	}

	if cfg.Upload.PartSize < 1 {
		return fmt.Errorf("upload part size must be positive")
	}
	if cfg.Upload.MaxFileSize > 0 && cfg.Upload.MaxFileSize < cfg.Upload.PartSize {
		return fmt.Errorf("max file size %s is smaller than part size %s",
			cfg.Upload.MaxFileSize, cfg.Upload.PartSize)
	}
	return nil
}
