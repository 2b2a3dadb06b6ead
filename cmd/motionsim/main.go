// motionsim is a small driver binary for the motion core: it loads a
// printer configuration, wires a controller to a downstream MCU link,
// optionally replays a G-code-free move script against it, and serves
// the diagnostics websocket for the duration of the run (§6's seed
// scenarios are exactly this shape — load a printer profile, issue
// moves, observe the resulting step stream).
//
// Usage:
//
//	motionsim -config printer.cfg [options]
//
// Options:
//
//	-config string     Printer configuration file (required)
//	-moves string       Move script (one "x y z e feedrate_mm_per_min" per line)
//	-device string      Serial device for the MCU link (default: none)
//	-diag-addr string   Diagnostics websocket listen address (default ":7127")
//	-max-credit int     Transport credit pool size (default 64)
//	-logfile string     Log file path (default: stderr)
//	-log-max-size-mb int   Rotate -logfile after this many MB (default 10)
//	-log-max-backups int   Rotated -logfile backups to retain (default 5)
//	-log-compress          Gzip rotated -logfile backups
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/thhdragon/krusty-rs/pkg/config"
	"github.com/thhdragon/krusty-rs/pkg/controller"
	"github.com/thhdragon/krusty-rs/pkg/diagnostics"
	"github.com/thhdragon/krusty-rs/pkg/errors"
	"github.com/thhdragon/krusty-rs/pkg/inputshaper"
	"github.com/thhdragon/krusty-rs/pkg/kinematics"
	"github.com/thhdragon/krusty-rs/pkg/log"
	"github.com/thhdragon/krusty-rs/pkg/motion"
	"github.com/thhdragon/krusty-rs/pkg/protocol"
	"github.com/thhdragon/krusty-rs/pkg/reactor"
	"github.com/thhdragon/krusty-rs/pkg/stepgen"
	"github.com/thhdragon/krusty-rs/pkg/transport"
)

func main() {
	configFile := flag.String("config", "", "Printer configuration file (required)")
	movesFile := flag.String("moves", "", "Move script to replay (optional)")
	device := flag.String("device", "", "Serial device for the MCU link (optional)")
	diagAddr := flag.String("diag-addr", ":7127", "Diagnostics websocket listen address")
	maxCredit := flag.Int("max-credit", 64, "Transport credit pool size")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	logMaxSizeMB := flag.Int("log-max-size-mb", 10, "Rotate -logfile after it reaches this size, in MB")
	logMaxBackups := flag.Int("log-max-backups", 5, "Number of rotated -logfile backups to retain")
	logCompress := flag.Bool("log-compress", false, "Gzip rotated -logfile backups")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("motionsim")
	if *logFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{
			Filename:   *logFile,
			MaxSize:    *logMaxSizeMB,
			MaxBackups: *logMaxBackups,
			Compress:   *logCompress,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.SetWriter(w)
		logger.SetColorize(false)
	}

	cfg, err := config.LoadMotionConfig(*configFile)
	if err != nil {
		logger.Errorf("loading config: %v", err)
		os.Exit(1)
	}
	logger.WithFields(log.Fields{"kinematics": string(cfg.Kinematics.Kind), "lookahead_depth": cfg.LookaheadDepth}).Info("loaded config")

	var shaper *inputshaper.InputShaper
	if len(cfg.Shapers) > 0 {
		shaper, err = inputshaper.NewInputShaper(cfg.Shapers)
		if err != nil {
			logger.Errorf("building input shaper: %v", err)
			os.Exit(1)
		}
	}

	ctrl, err := controller.New(cfg, shaper)
	if err != nil {
		logger.Errorf("building controller: %v", err)
		os.Exit(1)
	}

	diag := diagnostics.New()
	defer diag.Close()
	mux := http.NewServeMux()
	mux.Handle("/diagnostics", diag)
	srv := &http.Server{Addr: *diagAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("diagnostics server: %v", err)
		}
	}()
	defer srv.Close()
	logger.WithFields(log.Fields{"addr": *diagAddr}).Info("diagnostics websocket listening")

	var tr *transport.Transport
	if *device != "" {
		port, err := transport.OpenSerial(transport.SerialConfig{
			Device:         *device,
			BaudRate:       transport.DefaultSerialConfig().BaudRate,
			ConnectTimeout: transport.DefaultSerialConfig().ConnectTimeout,
			ReadTimeout:    transport.DefaultSerialConfig().ReadTimeout,
		})
		if err != nil {
			logger.Errorf("opening MCU serial device %s: %v", *device, err)
			os.Exit(1)
		}
		defer port.Close()
		tr = transport.New(port, *maxCredit)
		link := &mcuLink{port: port}
		ctrl.RegisterMotorDisabler(link)
		ctrl.RegisterMCU(link)
		logger.WithFields(log.Fields{"device": *device}).Info("MCU link open")
	}

	motorIDs := motorIDTable(cfg.Kinematics.Kind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		_ = ctrl.EmergencyStop("operator interrupt")
		close(done)
	}()

	if *movesFile != "" {
		moves, err := loadMoveScript(*movesFile)
		if err != nil {
			logger.Errorf("loading move script: %v", err)
			os.Exit(1)
		}
		for i, m := range moves {
			if err := ctrl.EnqueueMove(m); err != nil {
				logger.Errorf("enqueue move %d: %v", i, err)
				diag.Publish(diagnostics.Event{Kind: "fatal", Fatal: true, Message: err.Error()})
				os.Exit(1)
			}
		}
		if ctrl.QueryState().State == controller.StateRunning || ctrl.QueryState().State == controller.StatePaused {
			// cancel() settles any remaining open segment to rest, the
			// spec's own wording for draining a queue with nothing more
			// to enqueue (§4.6).
			if err := ctrl.Cancel(); err != nil {
				logger.Errorf("settling move script: %v", err)
			}
		}
		logger.WithFields(log.Fields{"moves": len(moves)}).Info("move script replayed")
	}

	rtor := reactor.New()
	go func() {
		<-done
		rtor.End()
	}()
	runGenerationLoop(ctrl, tr, diag, motorIDs, logger, rtor, done)
}

// mcuLink adapts a transport.Port to pkg/safety's MotorDisabler and
// MCUCommander interfaces. There is no MCU firmware in scope (§1
// Non-goals: "Firmware for the motion controller itself"), so
// SendEmergencyStop writes a single reserved sentinel byte rather than
// a negotiated protocol message — any real MCU link would replace this
// with its own halt command.
type mcuLink struct {
	port *transport.Port
}

const emergencyStopSentinel = 0xFF

func (m *mcuLink) DisableMotors() error {
	return m.port.Flush()
}

func (m *mcuLink) SendEmergencyStop() error {
	_, err := m.port.Write([]byte{emergencyStopSentinel})
	return err
}

func (m *mcuLink) IsConnected() bool { return true }

// motorIDTable assigns each motor name a stable wire ID: the kinematics
// motor order first, then "e" for the extruder.
func motorIDTable(kind kinematics.Kind) map[string]int32 {
	names := append(append([]string{}, kinematics.MotorNames(kind)...), "e")
	ids := make(map[string]int32, len(names))
	for i, name := range names {
		ids[name] = int32(i)
	}
	return ids
}

// loadMoveScript parses a G-code-free move list: one line per move,
// whitespace-separated "x y z e feedrate_mm_per_min"; blank lines and
// lines starting with "#" are skipped.
func loadMoveScript(path string) ([]motion.MoveRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var moves []motion.MoveRequest
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("move script line %d: want 5 fields (x y z e feedrate), got %d", lineNum, len(fields))
		}
		vals := make([]float64, 5)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("move script line %d: field %d: %w", lineNum, i, err)
			}
			vals[i] = v
		}
		moves = append(moves, motion.MoveRequest{
			Target:   motion.Position{vals[0], vals[1], vals[2], vals[3]},
			Feedrate: vals[4] / 60,
		})
	}
	return moves, scanner.Err()
}

// runGenerationLoop drives the step generator forward until the queue
// is empty and the controller is back at rest, sending each block of
// step events over the transport (if one is configured). The only event
// it publishes to the diagnostics stream is a fatal one when step
// generation fails with KinematicsUnreachable. Ticks are paced to the
// reactor's monotonic clock at one horizon per wall-clock horizon
// (teacher reactor.Pause is klippy's own "sleep until this waketime"
// primitive), so step blocks reach the transport roughly as they would
// on a real printer rather than as fast as the CPU can solve profiles.
func runGenerationLoop(ctrl *controller.Controller, tr *transport.Transport, diag *diagnostics.Broadcaster, motorIDs map[string]int32, logger *log.Logger, rtor *reactor.Reactor, done <-chan struct{}) {
	const horizon = 0.05 // seconds per generation tick
	now := 0.0
	idleTicks := 0
	nextWake := rtor.Monotonic()
	for {
		select {
		case <-done:
			return
		default:
		}

		events, err := ctrl.GenerateSteps(now)
		if err != nil {
			if errors.Is(err, errors.ErrKinematicsUnreachable) {
				diag.Publish(diagnostics.Event{Kind: "fatal", Fatal: true, Message: err.Error()})
				logger.Errorf("step generation: %v", err)
				return
			}
			logger.Errorf("step generation: %v", err)
			return
		}

		if len(events) > 0 {
			if tr != nil {
				if err := sendStepBlock(tr, events, motorIDs); err != nil {
					logger.Errorf("sending step block: %v", err)
					return
				}
			}
			idleTicks = 0
		} else {
			idleTicks++
		}

		snap := ctrl.QueryState()
		if snap.State == controller.StateIdle && snap.QueuedMoves == 0 && idleTicks > 2 {
			logger.Info("queue drained, exiting")
			return
		}

		now += horizon
		nextWake += horizon
		rtor.Pause(nextWake)
	}
}

func sendStepBlock(tr *transport.Transport, events []stepgen.Event, motorIDs map[string]int32) error {
	deltas := make([]protocol.StepDelta, 0, len(events))
	prev := 0.0
	for _, e := range events {
		dt := protocol.SecondsToTicks(e.TAbs - prev)
		if dt < 0 {
			dt = 0
		}
		prev = e.TAbs
		deltas = append(deltas, protocol.StepDelta{
			MotorID:   motorIDs[e.Motor],
			Direction: int32(e.Direction),
			DtTicks:   dt,
		})
	}
	block := protocol.EncodeStepBlock(deltas)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return tr.Send(ctx, block)
}
