// Package config holds the process-wide settings every other package
// depends on: where the ADB server lives and, optionally, the adb binary
// used for bootstrap (spec §6 "Environment": "An optional configuration
// supplies the path to the adb binary used only for start-server").
package config

import "flag"

const (
	defaultHost = "127.0.0.1"
	defaultPort = 5037
)

// Config is populated once at process start, from flags in cmd/snapoctl,
// and passed down by value/pointer to the packages that need it.
type Config struct {
	// Host/Port address the ADB server's host-protocol TCP listener.
	Host string
	Port int

	// ADBPath, if set, is the adb binary the socket pool spawns when a
	// connection to the server is refused, to attempt one bounded
	// "start-server".
	ADBPath string

	// HTTPAddr is the listen address for the snapoctl HTTP surface.
	HTTPAddr string
}

// Default returns the zero-config defaults (local ADB server, no bundled
// adb binary, HTTP surface on 127.0.0.1:7070).
func Default() Config {
	return Config{
		Host:     defaultHost,
		Port:     defaultPort,
		HTTPAddr: "127.0.0.1:7070",
	}
}

// RegisterFlags binds cfg's fields to flag.FlagSet, so cmd/snapoctl can
// call flag.Parse() once and hand the populated Config to the rest of the
// module.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Host, "adb-host", c.Host, "ADB server host")
	fs.IntVar(&c.Port, "adb-port", c.Port, "ADB server port")
	fs.StringVar(&c.ADBPath, "adb-path", c.ADBPath, "path to the adb binary, used only for start-server")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "listen address for the HTTP surface")
}
