package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/workers"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/schema"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const (
	writeWait       = 10 * time.Second
	maxMessageBytes = 16 * 1024 * 1024
)

// Server side of a push channel. Writes are serialized, control frames may
// be written concurrently as gorilla allows.
type wsConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *wsConn) SendJob(_ context.Context, job types.GradingJob) error {
	return c.send(job)
}

func (c *wsConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Sends a close frame with code before closing the connection
func (c *wsConn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait),
	)
	_ = c.Close()
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.ws.Close() })
	return err
}

// Per connection state of the push channel read loop
type session struct {
	h          *Handler
	conn       *wsConn
	workerID   string
	registered bool
}

// WS serves the push channel of one worker
//
//	@Summary		Push channel
//	@Description	websocket for push workers: register and job_result envelopes in, grading jobs out
//	@Tags			grader
//	@Produce		json
//
//	@Security		ClusterToken
//
//	@Param			worker_id	path		string	true	"Worker ID"
//
//	@Success		101		"switching protocols"
//
//	@Failure		400		{object}	types.Error
//
//	@Router			/worker_ws/{worker_id}/ [get]
func (h *Handler) WS(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "WS")
	defer span.End()

	workerID := c.Param(paramWorker)
	span.SetAttributes(attribute.String("worker.id", workerID))

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written an error response
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upgrade connection")
		return nil
	}
	ws.SetReadLimit(maxMessageBytes)
	conn := newWSConn(ws)

	if herr := h.auth.CheckClusterToken(c); herr != nil {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "rejected cluster token")
		conn.closeWith(websocket.ClosePolicyViolation, "invalid token")
		return nil
	}

	// the request context ends once the handler returns
	ctx = context.WithoutCancel(ctx)

	s := &session{h: h, conn: conn, workerID: workerID}
	ws.SetPingHandler(func(data string) error {
		s.touch(ctx)
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		s.touch(ctx)
		return nil
	})

	done := make(chan struct{})
	go s.pingLoop(done)

	code, reason := s.readLoop(ctx)
	close(done)
	if code != 0 {
		conn.closeWith(code, reason)
	} else {
		_ = conn.Close()
	}

	s.disconnected(ctx)

	span.SetAttributes(attribute.Int("close.code", code))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "push channel closed")
	return nil
}

// Reads messages until the channel fails. Returns the close code to send, zero when the peer went away.
func (s *session) readLoop(ctx context.Context) (int, string) {
	for {
		_, raw, err := s.conn.ws.ReadMessage()
		if err != nil {
			logger.Logger.DebugContext(ctx, "push channel read ended", "worker", s.workerID, "error", err)
			return 0, ""
		}

		if err = schema.Validate(schema.WSMessage, raw); err != nil {
			return websocket.CloseInternalServerErr, "invalid message"
		}
		var msg types.WSMessage
		if err = json.Unmarshal(raw, &msg); err != nil {
			return websocket.CloseInternalServerErr, "invalid message"
		}

		switch msg.Type {
		case types.WSMessageRegister:
			if code, reason := s.register(ctx, msg.Args); code != 0 {
				return code, reason
			}
		case types.WSMessageJobResult:
			if code, reason := s.jobResult(ctx, msg.Args); code != 0 {
				return code, reason
			}
		default:
			return websocket.CloseProtocolError, "unknown message type"
		}
	}
}

func (s *session) register(ctx context.Context, args json.RawMessage) (int, string) {
	if s.registered {
		return websocket.CloseProtocolError, "already registered"
	}
	if err := schema.Validate(schema.WorkerRegistration, args); err != nil {
		return websocket.CloseProtocolError, "invalid registration"
	}
	var req types.WorkerRegistration
	if err := json.Unmarshal(args, &req); err != nil {
		return websocket.CloseProtocolError, "invalid registration"
	}

	err := s.h.loop.Do(ctx, "RegisterPushWorker", func(ctx context.Context) error {
		_, err := s.h.registry.Register(ctx, s.workerID, req.Hostname, types.TransportPush)
		return err
	})
	if errors.Is(err, workers.ErrWorkerExists) {
		_ = s.conn.send(types.WSRegisterAck{Success: false})
		return websocket.CloseProtocolError, "worker id already exists"
	}
	if err != nil {
		logger.Logger.ErrorContext(ctx, "failed to register push worker", "worker", s.workerID, "error", err)
		return websocket.CloseInternalServerErr, "failed to register"
	}

	// the ack goes out before any job can be pushed
	ackErr := s.conn.send(types.WSRegisterAck{Success: true})
	s.registered = true
	s.h.registry.Attach(s.workerID, s.conn)
	if ackErr != nil {
		logger.Logger.WarnContext(ctx, "failed to acknowledge registration", "worker", s.workerID, "error", ackErr)
		return websocket.CloseInternalServerErr, "failed to acknowledge registration"
	}

	s.h.schedule.Notify()
	return 0, ""
}

func (s *session) jobResult(ctx context.Context, args json.RawMessage) (int, string) {
	if !s.registered {
		return websocket.CloseProtocolError, "not registered"
	}

	result, err := decodeResult(args)
	if err != nil {
		return websocket.CloseProtocolError, "invalid job result"
	}

	err = s.h.loop.Do(ctx, "SubmitResult", func(ctx context.Context) error {
		return s.h.dispatcher.SubmitResult(ctx, s.workerID, result)
	})
	if err != nil {
		logger.Logger.WarnContext(ctx, "rejected job result", "worker", s.workerID, "error", err)
		return websocket.CloseProtocolError, "job result rejected"
	}
	return 0, ""
}

// Refreshes last_seen of a registered worker
func (s *session) touch(ctx context.Context) {
	if !s.registered {
		return
	}
	s.h.loop.Post(ctx, "PushHeartbeat", func(ctx context.Context) {
		if err := s.h.registry.Heartbeat(ctx, s.workerID); err != nil {
			logger.Logger.DebugContext(ctx, "ignoring push heartbeat", "worker", s.workerID, "error", err)
		}
	})
}

func (s *session) pingLoop(done <-chan struct{}) {
	ticker := s.h.clock.NewTicker(s.h.registry.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			if err := s.conn.ping(); err != nil {
				// the reader sees the failure too
				_ = s.conn.Close()
				return
			}
		}
	}
}

// Declares a registered worker lost unless a newer channel has replaced this one
func (s *session) disconnected(ctx context.Context) {
	if !s.registered {
		return
	}

	err := s.h.loop.Do(ctx, "PushWorkerDisconnected", func(ctx context.Context) error {
		if !s.h.registry.Detach(s.workerID, s.conn) {
			return nil
		}
		return s.h.registry.Lost(ctx, s.workerID, workers.ReasonDisconnected)
	})
	if err != nil {
		logger.Logger.ErrorContext(ctx, "failed to release disconnected worker", "worker", s.workerID, "error", err)
	}
}
