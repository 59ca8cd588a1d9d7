package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/optimshine/pkg/controller"
	"github.com/raterudder/optimshine/pkg/ess"
	"github.com/raterudder/optimshine/pkg/log"
	"github.com/raterudder/optimshine/pkg/scheduler"
	"github.com/raterudder/optimshine/pkg/types"
	"github.com/raterudder/optimshine/pkg/utility"
	"github.com/raterudder/optimshine/pkg/weather"
)

var (
	// ErrSetup is returned when login, plant or inverter discovery failed
	// at startup.
	ErrSetup = errors.New("setup failed")

	// ErrExhausted is returned when nothing is scheduled and nothing is
	// running, so the process has nothing left to do.
	ErrExhausted = errors.New("no jobs scheduled")
)

// notifier reports the process state to the host supervisor.
type notifier func(state string) (bool, error)

func sdNotify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Server runs the optimizer: it discovers the plant, keeps the scheduler
// alive, signals liveness and serves diagnostics.
type Server struct {
	system ess.System
	sched  *scheduler.Scheduler
	judge  *controller.Judge
	notify notifier

	plantName    string
	diagListen   string
	interval     time.Duration
	judgeOnStart bool
	httpServer   *http.Server
}

// Configured initializes the Server with its collaborators. It uses lflag
// to register command-line flags for configuration.
func Configured(system ess.System, w weather.Provider, p utility.Provider) *Server {
	sched := scheduler.Configured()
	srv := &Server{
		system:   system,
		sched:    sched,
		judge:    controller.Configured(w, p, system, sched),
		notify:   sdNotify,
		interval: 5 * time.Second,
	}

	plantName := lflag.String("shine-plant", os.Getenv("SHINE_PLANT"), "Name of the plant to optimize, required with more than one plant")
	diagListen := lflag.String("diag-listen", "", "Diagnostics HTTP listen address, empty disables it")
	interval := lflag.Duration("liveness-interval", srv.interval, "How often to check for pending jobs and ping the watchdog")
	judgeOnStart := lflag.Bool("judge-on-start", false, "Run the judge right after startup")

	lflag.Do(func() {
		srv.plantName = *plantName
		srv.diagListen = *diagListen
		srv.interval = *interval
		srv.judgeOnStart = *judgeOnStart
	})

	return srv
}

// Setup logs in and discovers the plant and its inverters.
func (s *Server) Setup(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "trying to login to Shine API")
	if _, err := s.system.Login(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to login to Shine API", slog.Any("error", err))
		return fmt.Errorf("%w: login: %w", ErrSetup, err)
	}

	log.Ctx(ctx).InfoContext(ctx, "trying to get plant list")
	plants, err := s.system.ListPlants(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "getting plant list failed", slog.Any("error", err))
		return fmt.Errorf("%w: plant list: %w", ErrSetup, err)
	}
	plant, err := selectPlant(plants, s.plantName)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, err.Error())
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	ctx = log.WithAttrs(ctx, slog.String("plant", plant.Name))

	log.Ctx(ctx).InfoContext(ctx, "trying to get inverter list")
	inverters, err := s.system.ListDevices(ctx, plant.ID, types.DeviceTypeInverter)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get list of inverters", slog.Any("error", err))
		return fmt.Errorf("%w: inverter list: %w", ErrSetup, err)
	}
	if len(inverters) == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "no inverters found")
		return fmt.Errorf("%w: no inverters found", ErrSetup)
	}

	s.judge.SetTarget(plant, inverters)
	log.Ctx(ctx).InfoContext(ctx, "setup finished", slog.Any("inverters", inverters))
	return nil
}

// Run sets up the plant, starts the scheduler and blocks until the context
// is canceled or nothing is left to schedule. On cancellation it waits for
// running jobs to finish before returning.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}

	s.sched.Start(ctx)
	s.judge.ScheduleFirst(ctx, s.judgeOnStart)
	s.sched.LogJobs(ctx)

	errChan := make(chan error, 1)
	if s.diagListen != "" {
		s.httpServer = &http.Server{
			Addr:         s.diagListen,
			Handler:      s.setupHandler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  15 * time.Second,
		}
		go func() {
			defer close(errChan)
			log.Ctx(ctx).InfoContext(ctx, "starting diagnostics server", slog.String("addr", s.diagListen))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	s.signal(ctx, daemon.SdNotifyReady)
	return s.loop(ctx, errChan)
}

// loop pings the watchdog and exits once nothing is left to run.
func (s *Server) loop(ctx context.Context, errChan <-chan error) error {
	interval := s.interval
	if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 && wd/2 < interval {
		interval = wd / 2
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.shutdown(ctx)
		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			s.shutdown(ctx)
			return fmt.Errorf("diagnostics server error: %w", err)
		case <-ticker.C:
			s.signal(ctx, daemon.SdNotifyWatchdog)
			if s.sched.Idle() {
				log.Ctx(ctx).ErrorContext(ctx, "no jobs scheduled, exiting")
				s.stopHTTP(ctx)
				return ErrExhausted
			}
		}
	}
}

func (s *Server) signal(ctx context.Context, state string) {
	if s.notify == nil {
		return
	}
	if _, err := s.notify(state); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to notify supervisor", slog.String("state", state), slog.Any("error", err))
	}
}

// shutdown drains the scheduler. There's no deadline, a stuck job keeps the
// process alive until it finishes.
func (s *Server) shutdown(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	log.Ctx(ctx).InfoContext(ctx, "shutting down")
	s.signal(ctx, daemon.SdNotifyStopping)
	if err := s.sched.Shutdown(ctx); err != nil {
		return fmt.Errorf("scheduler shutdown failed: %w", err)
	}
	s.stopHTTP(ctx)
	return nil
}

func (s *Server) stopHTTP(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "diagnostics server shutdown failed", slog.Any("error", err))
	}
}
