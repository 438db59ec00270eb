package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	// outboxSize is the number of lines queued per connection. A
	// subscriber that falls further behind is disconnected.
	outboxSize = 256

	// writeTimeout bounds a single write to a client.
	writeTimeout = 5 * time.Second
)

// HandlerFunc processes a request and returns a response data payload or error.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

// Server listens on a Unix domain socket and dispatches NDJSON messages.
// It is also the topic broker: Publish reaches the connections that
// subscribed to the topic.
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   map[string]HandlerFunc
	clients    map[*conn]struct{}
	mu         sync.RWMutex
	ready      chan struct{}
	logger     *slog.Logger
}

// conn is one client connection and its subscriptions. All writes go
// through out and are performed by writeLoop.
type conn struct {
	net.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	topics    map[string]struct{} // guarded by Server.mu
}

func newConn(nc net.Conn) *conn {
	return &conn{
		Conn:   nc,
		out:    make(chan []byte, outboxSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		clients:    make(map[*conn]struct{}),
		ready:      make(chan struct{}),
		logger:     logger,
	}
}

// Handle registers a handler for a method.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start begins listening. It removes any stale socket file first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("server listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil // shutting down
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		c := newConn(nc)
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		go s.writeLoop(c)
		go s.handleConn(ctx, c)
	}
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(msg Message) {
	s.mu.RLock()
	targets := lo.Keys(s.clients)
	s.mu.RUnlock()
	s.push(msg, targets)
}

// Publish sends payload to every connection subscribed to topic as a
// topic.publish event. It only queues the event and never blocks; it
// satisfies core.Publisher.
func (s *Server) Publish(topic, payload string) {
	s.mu.RLock()
	var targets []*conn
	for c := range s.clients {
		if _, ok := c.topics[topic]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	evt, err := NewEvent(EventTopicPublish, TopicEvent{Topic: topic, Payload: payload})
	if err != nil {
		s.logger.Error("publish marshal error", "topic", topic, "err", err)
		return
	}
	s.push(evt, targets)
}

// Subscribers returns the number of connections subscribed to topic.
func (s *Server) Subscribers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for c := range s.clients {
		if _, ok := c.topics[topic]; ok {
			n++
		}
	}
	return n
}

func (s *Server) push(msg Message, targets []*conn) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("broadcast marshal error", "err", err)
		return
	}
	line := append(data, '\n')
	for _, c := range targets {
		if !c.offer(line) {
			s.logger.Warn("client too slow, disconnecting", "method", msg.Method, "queued", outboxSize)
			c.close()
		}
	}
}

// Shutdown cleanly stops the server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()
	os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, c *conn) {
	defer func() {
		c.close()
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024) // 1MB max line

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Error("invalid message", "err", err)
			continue
		}

		if msg.Type != MsgTypeReq {
			continue
		}

		var (
			result any
			err    error
		)
		switch msg.Method {
		case MethodSubscribe, MethodUnsubscribe:
			result, err = s.subscription(c, msg)
		default:
			handler, ok := s.handlers[msg.Method]
			if !ok {
				s.writeMessage(c, NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("unknown method: %s", msg.Method)))
				continue
			}
			result, err = handler(ctx, msg)
		}

		var resp Message
		if err != nil {
			resp = NewErrorResponse(msg.ID, msg.Method, err.Error())
		} else if resp, err = NewResponse(msg.ID, msg.Method, result); err != nil {
			resp = NewErrorResponse(msg.ID, msg.Method, err.Error())
		}
		s.writeMessage(c, resp)
	}
}

// subscription adds or removes a topic for c.
func (s *Server) subscription(c *conn, msg Message) (any, error) {
	var req SubscribeRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	if req.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Method == MethodSubscribe {
		c.topics[req.Topic] = struct{}{}
	} else {
		delete(c.topics, req.Topic)
	}
	topics := lo.Keys(c.topics)
	slices.Sort(topics)
	return SubscribeResponse{Topics: topics}, nil
}

func (s *Server) writeMessage(c *conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal response error", "err", err)
		return
	}
	data = append(data, '\n')
	select {
	case c.out <- data:
	case <-c.done:
	}
}

// writeLoop writes queued lines to c until it closes. A failed write
// closes the connection.
func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case line := <-c.out:
			_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.Write(line); err != nil {
				s.logger.Debug("write error", "err", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// offer queues line without blocking and reports whether it fit. A closed
// connection accepts and discards it.
func (c *conn) offer(line []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- line:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Close()
	})
}
