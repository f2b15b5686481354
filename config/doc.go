// Package config holds the settings a rentbus process starts from.
//
// Values are layered: Default, then an optional YAML file (Load), then
// environment variables (FromEnv), then CLI flags. Validate runs last.
//
//	cfg, err := config.Load(path)
//	if err != nil {
//		return err
//	}
//	if err := config.FromEnv(&cfg); err != nil {
//		return err
//	}
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
package config
