package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/CodedInternet/nanostage/comms"
	"github.com/CodedInternet/nanostage/onboard"
	"github.com/asdine/storm/v3"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"golang.org/x/sys/unix"
)

type EnvConfig struct {
	JWT_ISSUER string `env:"NANOSTAGE_UUID" envDefault:"DEV"`
	JWT_SECRET string `env:"JWT_SECRET"`
	DEBUG      bool   `env:"DEBUG" envDefault:"0"`
	CONFIG     string `env:"STAGE_CONFIG" envDefault:"./stage.yaml"`
	DATADIR    string `env:"DATADIR" envDefault:"./tmp"`
	DB         *storm.DB
	Conductor  *comms.Conductor
	Stage      *onboard.Stage
	Simulated  bool
}

var (
	ENV    *EnvConfig
	logger = log.New(os.Stdout, "[nanostage] ", log.Ldate|log.Ltime|log.Lshortfile)
)

func init() {
	ENV = new(EnvConfig)
	if err := env.Parse(ENV); err != nil {
		panic(err)
	}
	if ENV.JWT_SECRET != "" {
		JWT_HMAC_SECRET = []byte(ENV.JWT_SECRET)
	}
}

func main() {
	simulated := flag.Bool("sim", false, "Run against the simulated controller")
	port := flag.String("port", "0.0.0.0:8080", "Specify the ip:port to listen on")
	configFile := flag.String("config", ENV.CONFIG, "Stage config file")
	interactive := flag.Bool("shell", true, "Start the development shell on stdin")
	flag.Parse()

	ENV.Simulated = *simulated

	db, err := openDb(filepath.Join(ENV.DATADIR, "nanostage.db"))
	if err != nil {
		logger.Fatalf("unable to open database: %v", err)
	}
	ENV.DB = db
	defer ENV.DB.Close()

	config, err := loadStageConfig(*configFile, ENV.Simulated)
	if err != nil {
		logger.Fatal(err)
	}

	driver, err := onboard.OpenDriver(config)
	if err != nil {
		logger.Fatal(err)
	}

	store, err := onboard.NewStormStore(ENV.DB)
	if err != nil {
		logger.Fatal(err)
	}

	ENV.Conductor = comms.NewConductor()
	ENV.Stage, err = onboard.NewStage(driver, config, ENV.Conductor, store)
	if err != nil {
		logger.Fatalf("unable to initialise stage: %v", err)
	}
	ENV.Conductor.Device = ENV.Stage

	if *interactive {
		go newShell(ENV.Stage).Start()
	}

	srv := &http.Server{Addr: *port, Handler: newRouter()}
	go func() {
		logger.Println("Listening on", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	sig := <-sigs
	logger.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if err := ENV.Stage.Close(); err != nil {
		logger.Printf("closing stage: %v", err)
	}
}

// loadStageConfig reads filename. The simulator may run without a file.
func loadStageConfig(filename string, simulated bool) (config onboard.StageConfig, err error) {
	if _, statErr := os.Stat(filename); os.IsNotExist(statErr) && simulated {
		logger.Printf("%s not found, using the default simulated stage", filename)
		return onboard.DefaultConfig(), nil
	}

	config, err = onboard.LoadConfig(filename)
	if err != nil {
		return
	}
	if simulated {
		config.Driver = "sim"
	}
	return
}

func newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", Login)

		r.Group(func(r chi.Router) {
			r.Use(ValidateJWT)

			r.Get("/refresh_token", JWTRefresh)

			r.Route("/records", func(r chi.Router) {
				r.Get("/", ListRecords)

				r.Route("/{axis}", func(r chi.Router) {
					r.Use(RecordCtx)
					r.Get("/", GetRecord)
					r.Get("/{field}", GetField)

					// anything that can move the stage
					r.Group(func(r chi.Router) {
						r.Use(RequireOperator)
						r.Post("/stop", StopRecord)
						r.Post("/calibrate", CalibrateRecord)
						r.Post("/reference", ReferenceRecord)
						r.Put("/{field}", PutField)
					})
				})
			})
		})
	})

	r.Route("/ws", func(r chi.Router) {
		if !ENV.DEBUG {
			r.Use(ValidateJWT)
		} else {
			logger.Println("Running in debug mode. Authentication disabled.")
		}

		r.Get("/monitor", MonitorHandler)
	})

	return r
}

func openDb(dbFile string) (db *storm.DB, err error) {
	if err = os.MkdirAll(filepath.Dir(dbFile), 0755); err != nil {
		return
	}

	db, err = storm.Open(dbFile)
	if err != nil {
		return
	}

	// call inits for each type
	if err := db.Init(&User{}); err != nil {
		return nil, err
	}

	return
}
