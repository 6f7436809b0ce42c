package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mpc-pilot/mpc"
	"mpc-pilot/utils"
)

// Config holds the bridge settings.
type Config struct {
	// Addr is the websocket listen address, e.g. ":4567".
	Addr string

	// ActuationDelay is slept before each reply, mimicking the actuator
	// latency of a real vehicle. The latency compensator assumes it on the
	// first cycle.
	ActuationDelay time.Duration

	// CANInterface, when set, mirrors every actuation onto this SocketCAN
	// interface as a drive-by-wire command frame.
	CANInterface string

	// Controller is the tuning every session's controller is built with.
	Controller mpc.Config
}

// Server accepts simulator connections and runs one control session per
// connection. Sessions are independent: each owns its controller and all
// cycle-scoped state, so no cross-session locking is needed.
type Server struct {
	cfg      Config
	log      *utils.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	canw     utils.CANWriter
}

// NewServer validates the config and, when configured, opens the
// drive-by-wire CAN interface.
func NewServer(ctx context.Context, cfg Config, log *utils.Logger) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("bridge: listen address required")
	}
	if err := cfg.Controller.Validate(); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	s := &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The simulator connects without an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	if cfg.CANInterface != "" {
		w, err := utils.NewSocketCANWriter(ctx, cfg.CANInterface)
		if err != nil {
			return nil, fmt.Errorf("bridge: drive-by-wire: %w", err)
		}
		s.canw = w
		log.Info("Drive-by-wire mirror on %s (frame 0x%X)", cfg.CANInterface, utils.ActuationFrameID)
	}

	return s, nil
}

// ListenAndServe serves until ctx is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
	}()

	s.log.Info("Listening on %s", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

// Close releases the drive-by-wire writer.
func (s *Server) Close() {
	if s.canw != nil {
		_ = s.canw.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Websocket upgrade failed: %v", err)
		return
	}

	ctrl, err := mpc.NewController(s.cfg.Controller)
	if err != nil {
		s.log.Error("Controller init failed: %v", err)
		_ = conn.Close()
		return
	}

	s.log.Info("Simulator connected: %s", conn.RemoteAddr())
	sess := &session{
		conn:  conn,
		ctrl:  ctrl,
		log:   s.log,
		delay: s.cfg.ActuationDelay,
		canw:  s.canw,
	}
	sess.run(r.Context())
	s.log.Info("Simulator disconnected: %s", conn.RemoteAddr())
}

// session is one simulator connection: a strictly sequential telemetry →
// actuation loop around a dedicated controller.
type session struct {
	conn  *websocket.Conn
	ctrl  *mpc.Controller
	log   *utils.Logger
	delay time.Duration
	canw  utils.CANWriter

	counter uint8
	lastOut *mpc.Output
	cycles  uint64
}

func (s *session) run(ctx context.Context) {
	defer func() { _ = s.conn.Close() }()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("Read ended: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		reply := s.handleMessage(ctx, data)
		if reply == nil {
			continue
		}

		if s.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.delay):
			}
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			s.log.Error("Write failed: %v", err)
			return
		}
	}
}

// handleMessage runs one control cycle and picks the reply. A nil return
// means no reply (not a message event). Failed cycles are recoverable: hold
// the previous actuation if one exists, otherwise fall back to manual, and
// let the next telemetry message start fresh.
func (s *session) handleMessage(ctx context.Context, data []byte) []byte {
	event, payload, ok := parseEvent(data)
	if !ok {
		return nil
	}
	if event != "telemetry" || payload == nil {
		return manualFrame
	}

	var tm telemetryMsg
	if err := json.Unmarshal(payload, &tm); err != nil {
		s.log.Warn("Bad telemetry payload: %v", err)
		return manualFrame
	}

	out, err := s.ctrl.RunCycle(tm.toTelemetry())
	if err != nil {
		s.log.Warn("Control cycle failed: %v", err)
		if s.lastOut != nil {
			return s.encodeOrManual(*s.lastOut)
		}
		return manualFrame
	}

	s.cycles++
	if s.cycles%100 == 0 {
		s.log.Debug("Cycle %d: steer=%.4f throttle=%.3f v=%.2f", s.cycles, out.Steering, out.Throttle, tm.Speed)
	}

	s.lastOut = &out
	s.mirrorCAN(ctx, out)
	return s.encodeOrManual(out)
}

func (s *session) encodeOrManual(out mpc.Output) []byte {
	reply, err := encodeSteer(out)
	if err != nil {
		s.log.Error("Encode failed: %v", err)
		return manualFrame
	}
	return reply
}

func (s *session) mirrorCAN(ctx context.Context, out mpc.Output) {
	if s.canw == nil {
		return
	}
	s.counter++
	cmd := utils.ActuationCmd{Steering: out.Steering, Throttle: out.Throttle, Counter: s.counter}
	if err := s.canw.WriteFrame(ctx, cmd.Encode()); err != nil {
		s.log.Error("Drive-by-wire transmit failed: %v", err)
	}
}
