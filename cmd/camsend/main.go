// Command camsend streams a camera or video file to camrecv.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"camfeed/config"
	"camfeed/sender"
	"camfeed/video/source"
)

var (
	video      = flag.String("video", source.CameraURI, "Video file to loop, or \"camera\" for the default capture device.")
	host       = flag.String("host", "localhost", "Receiver host.")
	port       = flag.Int("port", 8080, "Receiver port.")
	sourceID   = flag.String("source", "CV001", "Camera name sent with every frame.")
	interval   = flag.Duration("interval", 33*time.Millisecond, "Pause after each frame.")
	compress   = flag.Bool("compress", false, "Compress pixel data with zstd.")
	configPath = flag.String("config", "", "Optional JSON config file, reloaded on change.")
	verbose    = flag.Bool("v", false, "Enable debug logging.")
)

func isSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func main() {
	flag.Parse()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		if err := config.Load(ctx, *configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	cfg := config.Get()
	if !isSet("port") {
		*port = cfg.Port
	}
	if !isSet("interval") && *configPath != "" {
		*interval = cfg.SendInterval()
	}
	if !isSet("compress") {
		*compress = cfg.Compress
	}

	opts := sender.DefaultOptions()
	opts.Addr = fmt.Sprintf("%s:%d", *host, *port)
	opts.SourceID = *sourceID
	opts.Size = cfg.ClientSize()
	opts.Interval = *interval
	opts.ReconnectBackoff = cfg.ReconnectBackoff()
	opts.Compress = *compress

	s := sender.New(source.VideoCaptureOpener(*video), opts)
	if !isSet("interval") {
		config.OnChange(func(c *config.Config) {
			s.SetInterval(c.SendInterval())
			log.Infof("Send interval now %v", c.SendInterval())
		})
	}

	log.WithFields(log.Fields{"video": *video, "addr": opts.Addr, "source": opts.SourceID}).Info("Starting camera feed")
	if err := s.Run(ctx); err != nil {
		log.Fatalf("Sender stopped: %v", err)
	}
	log.Info("Interrupted, exiting")
}
