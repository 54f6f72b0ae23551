package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/omrloop/internal/api"
	"github.com/banshee-data/omrloop/internal/config"
	"github.com/banshee-data/omrloop/internal/db"
	"github.com/banshee-data/omrloop/internal/export"
	"github.com/banshee-data/omrloop/internal/protocol"
	"github.com/banshee-data/omrloop/internal/report"
	"github.com/banshee-data/omrloop/internal/security"
	"github.com/banshee-data/omrloop/internal/serialmux"
	"github.com/banshee-data/omrloop/internal/session"
	"github.com/banshee-data/omrloop/internal/telemetry"
	"github.com/banshee-data/omrloop/internal/timeutil"
	"github.com/banshee-data/omrloop/internal/version"
)

var (
	configPath   = flag.String("config", "", "JSON config file (defaults apply when empty)")
	devMode      = flag.Bool("dev", false, "Replay a synthetic amplifier stream instead of opening the serial port")
	noSerial     = flag.Bool("disable-serial", false, "Run without an amplifier; every tick sees an empty burst")
	listen       = flag.String("listen", ":8080", "Listen address")
	port         = flag.String("port", "/dev/ttyACM0", "Amplifier serial port (ignored in dev mode)")
	syncPort     = flag.String("sync-port", "", "Serial port for the acquisition sync line (disabled when empty)")
	dbPath       = flag.String("db", "omrloop.db", "Session database")
	outDir       = flag.String("out", "", "Directory for CSV dumps and the calibration plot (disabled when empty)")
	notes        = flag.String("notes", "", "Free-text notes stored with the session")
	calSchedule  = flag.String("calibration-schedule", "", "Open-loop schedule file (.yaml, .json or .txt); built from config when empty")
	loopSchedule = flag.String("closed-loop-schedule", "", "Closed-loop schedule file; built from config when empty")
	reuse        = flag.String("reuse-calibration", "", "Skip the open-loop phase and use the parameters stored for this session ID")
	seed         = flag.Uint64("seed", 0, "Trial shuffle seed (random when 0)")
	noShuffle    = flag.Bool("no-shuffle", false, "Run schedules built from config in order")
	linger       = flag.Bool("linger", false, "Keep serving the API after the session finishes, until interrupted")
	listPorts    = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// source is what the binary needs from a serialmux byte source.
type source interface {
	serialmux.ByteSource
	Monitor(ctx context.Context) error
	AttachAdminRoutes(mux *http.ServeMux)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("session failed: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Printf("starting %s", version.String())
	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	src, trigger, err := openSerial(cfg)
	if err != nil {
		return err
	}
	defer src.Close()
	if trigger != nil {
		defer trigger.Close()
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	id := uuid.NewString()
	if err := store.CreateSession(ctx, id, *notes); err != nil {
		return err
	}
	sinks := export.MultiSink{store}
	if *outDir != "" {
		sinks = append(sinks, export.NewCSVSink(*outDir))
	}

	pub, err := telemetry.Connect(ctx, telemetry.Config{
		Broker:      cfg.GetMQTTBroker(),
		ClientID:    "omrloop-" + id[:8],
		TopicPrefix: cfg.GetMQTTTopicPrefix(),
		QoS:         1,
	})
	if err != nil {
		// telemetry is optional; run without it
		log.Printf("telemetry disabled: %v", err)
		pub, _ = telemetry.Connect(ctx, telemetry.Config{})
	}
	defer pub.Close()

	rng := rand.New(rand.NewPCG(shuffleSeed(), 0))
	calib, err := schedule(*calSchedule, cfg.CalibrationSchedule(), rng)
	if err != nil {
		return fmt.Errorf("calibration schedule: %w", err)
	}
	closed, err := schedule(*loopSchedule, cfg.ClosedLoopSchedule(), rng)
	if err != nil {
		return fmt.Errorf("closed-loop schedule: %w", err)
	}
	log.Printf("open loop: %d trials, %.0fs; closed loop: %d trials, %.0fs",
		calib.Len(), calib.Seconds(), closed.Len(), closed.Seconds())

	deps := session.Deps{
		ID:                  id,
		Source:              src,
		CalibrationCommands: calib,
		ClosedLoopCommands:  closed,
		Sink:                sinks,
		Observer:            pub,
	}
	if trigger != nil {
		deps.Trigger = trigger
	}
	sess, err := session.New(deps, sessCfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := src.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	mux := api.NewServer(sess, store).ServeMux()
	src.AttachAdminRoutes(mux)
	if err := store.AttachAdminRoutes(mux); err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		serve(ctx, mux)
	}()

	err = runSession(ctx, sess, store)
	if err == nil && *linger {
		log.Printf("session %s finished; serving on %s until interrupted", id, *listen)
		<-ctx.Done()
	}
	cancel()
	wg.Wait()
	return err
}

// runSession runs the open loop (or loads stored parameters), then the
// closed loop, persisting as it goes.
func runSession(ctx context.Context, sess *session.Session, store *db.DB) error {
	clock := timeutil.RealClock{}
	if *reuse != "" {
		exp, err := store.Calibration(ctx, *reuse)
		if err != nil {
			return fmt.Errorf("load calibration of session %s: %w", *reuse, err)
		}
		if err := sess.UseParameters(exp.Params); err != nil {
			return err
		}
		log.Printf("using parameters from session %s", *reuse)
	} else {
		if err := sess.RunCalibration(ctx, clock); err != nil {
			return fmt.Errorf("open loop: %w", err)
		}
		params, err := sess.Calibrate(ctx)
		if err != nil {
			return fmt.Errorf("calibrate: %w", err)
		}
		log.Printf("calibrated session %s: %+v", sess.ID(), params)
		if *outDir != "" {
			path, err := security.SessionPath(*outDir, sess.ID(), "calibration.png")
			if err == nil {
				err = report.CalibrationPlot(sess.CalibrationExport(), path)
			}
			if err != nil {
				log.Printf("failed to write calibration plot: %v", err)
			}
		}
	}

	loopErr := sess.RunClosedLoop(ctx, clock)
	// keep what was recorded even when interrupted
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := sess.SaveVelocity(saveCtx); err != nil {
		return errors.Join(loopErr, err)
	}
	if loopErr != nil {
		return fmt.Errorf("closed loop: %w", loopErr)
	}
	st := sess.Stats()
	log.Printf("session %s complete: %d ticks, %d trials, %d malformed bursts", sess.ID(), st.Ticks, st.Trials, st.MalformedBursts)
	return nil
}

func openSerial(cfg *config.Config) (source, *serialmux.Trigger, error) {
	msg := []byte(cfg.GetSyncMessage())
	if *devMode {
		// 1 kHz per channel in ~60 Hz chunks
		data := serialmux.SyntheticStream(6000, cfg.GetFlagByte(), 1)
		src := serialmux.NewFixtureSource(data, 50, time.Second/60)
		return src, serialmux.NewTrigger(io.Discard, msg), nil
	}

	if *noSerial {
		return serialmux.NewDisabledSource(), nil, nil
	}

	opts := cfg.GetSerial()
	src, err := serialmux.NewRealPortSource(*port, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create amplifier port: %w", err)
	}
	if *syncPort == "" {
		return src, nil, nil
	}
	trigger, err := serialmux.OpenTrigger(*syncPort, opts, msg)
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("failed to open sync port: %w", err)
	}
	return src, trigger, nil
}

func shuffleSeed() uint64 {
	if *seed != 0 {
		return *seed
	}
	return rand.Uint64()
}

// schedule loads path when set; otherwise it shuffles the configured grid
// unless -no-shuffle is given. Loaded schedules run as written.
func schedule(path string, fallback *protocol.Schedule, rng *rand.Rand) (*protocol.Schedule, error) {
	if path != "" {
		return protocol.LoadSchedule(path)
	}
	if !*noShuffle {
		fallback.Shuffle(rng)
	}
	return fallback, nil
}

func serve(ctx context.Context, mux *http.ServeMux) {
	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
