package config

import (
	"image"
	"time"
)

// Config holds the tunables shared by camrecv and camsend. Durations are in
// seconds so the JSON file stays readable.
type Config struct {
	// Receiver.
	Port           int
	HTTPPort       int
	ReadTimeoutSec float64
	IdleTimeoutSec float64
	ServerWidth    int
	ServerHeight   int

	// Sender.
	ClientWidth         int
	ClientHeight        int
	SendIntervalSec     float64
	ReconnectBackoffSec float64
	Compress            bool

	// Inference stage.
	TakeTimeoutSec float64

	// MySQLDSN enables the session ledger when non-empty.
	MySQLDSN string
}

func Default() *Config {
	return &Config{
		Port:                8080,
		HTTPPort:            5000,
		ReadTimeoutSec:      5,
		IdleTimeoutSec:      10,
		ServerWidth:         640,
		ServerHeight:        480,
		ClientWidth:         320,
		ClientHeight:        240,
		SendIntervalSec:     0.033,
		ReconnectBackoffSec: 5,
		TakeTimeoutSec:      1,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c *Config) ReadTimeout() time.Duration      { return seconds(c.ReadTimeoutSec) }
func (c *Config) IdleTimeout() time.Duration      { return seconds(c.IdleTimeoutSec) }
func (c *Config) SendInterval() time.Duration     { return seconds(c.SendIntervalSec) }
func (c *Config) ReconnectBackoff() time.Duration { return seconds(c.ReconnectBackoffSec) }
func (c *Config) TakeTimeout() time.Duration      { return seconds(c.TakeTimeoutSec) }

func (c *Config) ServerSize() image.Point {
	return image.Point{X: c.ServerWidth, Y: c.ServerHeight}
}

func (c *Config) ClientSize() image.Point {
	return image.Point{X: c.ClientWidth, Y: c.ClientHeight}
}
