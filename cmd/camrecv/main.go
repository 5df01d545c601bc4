// Command camrecv receives a camera feed over TCP, runs the inference stage
// on the newest frame and serves a live preview over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"camfeed/config"
	"camfeed/feed"
	"camfeed/inference"
	"camfeed/receiver"
	"camfeed/serve"
	"camfeed/store"
	"camfeed/video/sink"
	"camfeed/video/source"
)

var (
	port       = flag.Int("port", 8080, "TCP port to accept the camera feed on.")
	httpPort   = flag.Int("http", 5000, "Port to host the web preview.")
	configPath = flag.String("config", "", "Optional JSON config file, reloaded on change.")
	mysqlDSN   = flag.String("mysql", "", "MySQL DSN for the session ledger.")
	sqlitePath = flag.String("sqlite", "", "SQLite file for the session ledger, used when -mysql is empty.")
	detector   = flag.String("detector", "motion", "Detector to run on frames: motion or none.")
	window     = flag.String("window", "", "Also show annotated frames in a desktop window with this title.")
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
	if !isSet("http") {
		*httpPort = cfg.HTTPPort
	}
	if !isSet("mysql") {
		*mysqlDSN = cfg.MySQLDSN
	}

	slot := feed.NewSlot(func(i *source.Image) { i.Close() })

	opts := receiver.DefaultOptions()
	opts.Addr = fmt.Sprintf(":%d", *port)
	opts.ReadTimeout = cfg.ReadTimeout()
	opts.IdleTimeout = cfg.IdleTimeout()
	opts.Size = cfg.ServerSize()
	srv := receiver.NewServer(slot, opts)

	status := serve.NewStatusUpdater()
	srv.Listeners = append(srv.Listeners, status)

	var sessions serve.SessionLister = status
	if *mysqlDSN != "" || *sqlitePath != "" {
		var (
			db  *gorm.DB
			err error
		)
		if *mysqlDSN != "" {
			db, err = store.OpenMySQL(*mysqlDSN)
		} else {
			db, err = store.OpenSQLite(*sqlitePath)
		}
		if err != nil {
			log.Fatalf("%v", err)
		}
		ledger, err := store.NewLedger(db)
		if err != nil {
			log.Fatalf("Failed to prepare session ledger: %v", err)
		}
		defer ledger.Close()
		srv.Listeners = append(srv.Listeners, ledger)
		sessions = serve.LedgerLister{Ledger: ledger}
		log.Infof("Recording sessions to %v", db.Dialector.Name())
	}

	preview := sink.NewMJPEGStream()
	defer preview.Close()
	out := sink.Multi{preview}
	if *window != "" {
		w := sink.NewWindow(*window)
		defer w.Close()
		out = append(out, w)
	}

	var det inference.Detector
	switch *detector {
	case "motion":
		md := inference.NewMotionDetector()
		defer md.Close()
		det = md
	case "none":
		det = inference.NopDetector{}
	default:
		log.Fatalf("Unknown detector %q", *detector)
	}

	worker := &inference.Worker{
		Slot:        slot,
		Detector:    det,
		Sink:        out,
		TakeTimeout: cfg.TakeTimeout(),
	}

	config.OnChange(func(c *config.Config) {
		srv.SetTimeouts(c.ReadTimeout(), c.IdleTimeout())
		log.Infof("Receiver timeouts now read=%v idle=%v", c.ReadTimeout(), c.IdleTimeout())
	})

	web := &http.Server{
		Addr: fmt.Sprintf(":%d", *httpPort),
		Handler: serve.NewHandler(serve.Options{
			Title:    "camfeed",
			Preview:  preview,
			Status:   status,
			Sessions: sessions,
			Healthy:  worker.Healthy,
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Accepting camera feed on %v", opts.Addr)
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		defer slot.Close()
		return worker.Run(gctx)
	})
	g.Go(func() error {
		log.Infof("Hosting web preview on port %d", *httpPort)
		if err := web.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return web.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("Exiting: %v", err)
		os.Exit(1)
	}
	log.Info("Shut down cleanly")
}
