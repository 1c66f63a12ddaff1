// Package daemon implements the capture process lifecycle: it opens the
// capture file, starts the network device and the control surfaces, and
// tears everything down in order on shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/pcap4mcast/internal/command"
	"firestige.xyz/pcap4mcast/internal/config"
	"firestige.xyz/pcap4mcast/internal/core"
	"firestige.xyz/pcap4mcast/internal/device"
	logpkg "firestige.xyz/pcap4mcast/internal/log"
	"firestige.xyz/pcap4mcast/internal/metrics"
	"firestige.xyz/pcap4mcast/internal/pcapfile"
	"firestige.xyz/pcap4mcast/internal/session"
)

// closeTimeout bounds how long shutdown waits for the device.
const closeTimeout = 5 * time.Second

// StartError reports which startup step failed.
type StartError struct {
	Target string // e.g. "outfile=dump.pcap"
	Fn     string // failed operation, e.g. "Open"
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s|fn=%s|err=%v", e.Target, e.Fn, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Loader re-reads the configuration for Reload.
type Loader func() (*config.Config, error)

// Daemon manages one capture process.
type Daemon struct {
	config *config.Config
	loader Loader

	// Core components
	writer     *pcapfile.Writer
	session    *session.Session
	device     *device.Multicast
	cmdHandler *command.CommandHandler
	control    *command.Server    // nil if control.socket is empty
	metrics    *metrics.Server    // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	fatalErr     chan error
	sigChan      chan os.Signal
	stopped      bool
}

// New creates a Daemon. loader may be nil, which disables Reload.
func New(cfg *config.Config, loader Loader) *Daemon {
	d := &Daemon{
		config:       cfg,
		loader:       loader,
		shutdownChan: make(chan struct{}, 1),
		fatalErr:     make(chan error, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes and starts all components. Capture file and device
// failures are returned as *StartError.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logpkg.GetLogger()

	// 2. Open the capture file
	w, err := pcapfile.Open(d.config.OutFile, d.config.FileMode, pcapfile.Options{
		Resolution: d.config.Resolution,
		SnapLen:    d.config.SnapLen,
	})
	if err != nil {
		return &StartError{Target: "outfile=" + d.config.OutFile, Fn: fileErrorFn(err), Err: err}
	}
	d.writer = w
	logger.WithFields(logpkg.Fields{
		"file":       d.config.OutFile,
		"mode":       d.config.FileMode.String(),
		"resolution": w.Resolution().String(),
		"created":    w.Created(),
	}).Info("capture file opened")

	// 3. Write PID file
	if err := d.writePIDFile(); err != nil {
		d.writer.Close()
		return err
	}

	// 4. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.removePIDFile()
		d.writer.Close()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 5. Create the session and bring the device up
	d.session = session.New(w, session.Options{
		FlushHorizon: d.config.FlushHorizon,
		CheckLost:    d.config.CheckLost,
		OnFatal:      d.fatal,
	})
	d.device = device.NewMulticast(d.config.DeviceConfig(), d.session)
	if err := d.device.Open(); err != nil {
		d.stopMetrics()
		d.removePIDFile()
		d.writer.Close()
		return &StartError{Target: "dev=" + d.config.DeviceConfig().String(), Fn: "Open", Err: err}
	}

	// 6. Create command handler
	d.cmdHandler = command.NewCommandHandler(d.session)
	d.cmdHandler.SetConfig(d.config)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)

	// 7. Serve operator commands on the control socket. Capture goes on
	// without it if the socket cannot be bound.
	if d.config.Control.Socket != "" {
		srv := command.NewServer(d.config.Control.Socket, d.cmdHandler)
		if err := srv.Listen(); err != nil {
			logger.WithError(err).Error("control socket disabled")
		} else {
			d.control = srv
			go func() {
				if err := srv.Serve(d.ctx); err != nil {
					logger.WithError(err).Error("control socket failed")
				}
			}()
		}
	}

	logger.Info("capture started")
	return nil
}

// fileErrorFn names the capture file step that failed.
func fileErrorFn(err error) string {
	switch {
	case errors.Is(err, core.ErrFileSize):
		return "GetFileSize"
	case errors.Is(err, core.ErrFileHeader), errors.Is(err, core.ErrLinkType):
		return "Write.FileHead"
	default:
		return "Open"
	}
}

// RunConsole runs the interactive command loop on in/out. Leaving the
// console shuts the daemon down.
func (d *Daemon) RunConsole(in io.Reader, out io.Writer) {
	go func() {
		if err := command.NewConsole(d.cmdHandler, in, out).Run(d.ctx); err != nil {
			logpkg.GetLogger().WithError(err).Warn("console input failed")
		}
		d.TriggerShutdown()
	}()
}

// Run blocks until shutdown is triggered by a signal, the quit command or
// a fatal capture file error, then stops the daemon. The fatal error, if
// any, is returned.
//
// SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	logger := logpkg.GetLogger()

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.WithField("signal", sig).Info("received shutdown signal")
				return d.Stop()
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			logger.Info("shutdown triggered by command")
			return d.Stop()

		case err := <-d.fatalErr:
			logger.WithError(err).Error("stopping after fatal capture file error")
			if stopErr := d.Stop(); stopErr != nil {
				logger.WithError(stopErr).Warn("shutdown incomplete")
			}
			return err
		}
	}
}

// Stop drains pending records, disposes the device, closes the capture
// file and stops the control surfaces.
func (d *Daemon) Stop() error {
	if d.stopped {
		return nil
	}
	d.stopped = true
	logger := logpkg.GetLogger()
	logger.Info("initiating graceful shutdown")

	// 1. Close the control socket (no new commands)
	if d.control != nil {
		if err := d.control.Close(); err != nil {
			logger.WithError(err).Warn("error closing control socket")
		}
	}

	// 2. Flush and close the session, which disposes the device
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := d.session.Close(ctx, d.device)
	if err != nil {
		logger.WithError(err).Error("error closing session")
	}

	// 3. Stop metrics server
	d.stopMetrics()

	// 4. Cancel context to signal all goroutines
	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 5. Remove PID file
	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}

	logger.Info("capture stopped")
	logpkg.Close()
	return err
}

// TriggerShutdown triggers graceful shutdown from an external caller, e.g.
// the quit command.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) fatal(err error) {
	select {
	case d.fatalErr <- err:
	default:
	}
}

// Reload re-reads the configuration. Only logging is hot-reloadable; other
// changes are reported as requiring a restart.
func (d *Daemon) Reload() error {
	if d.loader == nil {
		return fmt.Errorf("reload not available")
	}
	newConfig, err := d.loader()
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	if err := logpkg.Init(newConfig.Log); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}

	var requiresRestart []string
	if newConfig.OutFile != d.config.OutFile || newConfig.FileMode != d.config.FileMode {
		requiresRestart = append(requiresRestart, "out_file")
	}
	if newConfig.Device != d.config.Device {
		requiresRestart = append(requiresRestart, "device")
	}
	if newConfig.FlushHorizon != d.config.FlushHorizon || newConfig.CheckLost != d.config.CheckLost {
		requiresRestart = append(requiresRestart, "session")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Control != d.config.Control {
		requiresRestart = append(requiresRestart, "control")
	}

	d.config.Log = newConfig.Log
	logpkg.GetLogger().WithFields(logpkg.Fields{
		"level":            newConfig.Log.Level,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		return nil
	}
	d.metrics = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metrics.Start(d.ctx)
}

func (d *Daemon) stopMetrics() {
	if d.metrics == nil {
		return
	}
	if err := d.metrics.Stop(context.Background()); err != nil {
		logpkg.GetLogger().WithError(err).Error("error stopping metrics server")
	}
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	path := d.config.Control.PIDFile
	if path == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	path := d.config.Control.PIDFile
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	return nil
}

// Session exposes the running session.
func (d *Daemon) Session() *session.Session {
	return d.session
}

// Device exposes the running device.
func (d *Daemon) Device() *device.Multicast {
	return d.device
}
