// Package server holds the HTTP server configuration shared by the app
// wiring and the config layer.
package server

import "time"

// Config configures the API server.
type Config struct {
	// Addr is the listen address; empty binds all interfaces.
	Addr string `koanf:"addr"`

	// Port is the listen port.
	Port int `koanf:"port"`

	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}
