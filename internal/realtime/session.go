package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"procurement-service/internal/models"

	"github.com/gorilla/websocket"
)

// ErrSessionClosed is returned by operations on a closed session
var ErrSessionClosed = errors.New("realtime session closed")

// JoinError is a join refused by the server
type JoinError struct {
	Room    string
	Code    string
	Details string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s refused: %s: %s", e.Room, e.Code, e.Details)
}

// Session is a client connection to the realtime endpoint. It is created by
// Dial and owned by whoever called it; nothing is shared between sessions.
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan models.Event

	mu      sync.Mutex
	waiters map[string]chan ServerFrame

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url authenticating with a bearer token
func Dial(ctx context.Context, url, token string) (*Session, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	s := &Session{
		conn:    ws,
		events:  make(chan models.Event, subscriberBuffer),
		waiters: make(map[string]chan ServerFrame),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events yields server events in arrival order. It is closed when the session ends.
func (s *Session) Events() <-chan models.Event {
	return s.events
}

// Done is closed once the session has ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Join enters room and returns the function that leaves it. Callers defer the
// returned function so the room is released on every exit path.
func (s *Session) Join(ctx context.Context, room string) (leave func() error, err error) {
	reply, err := s.request(ctx, room, ClientFrame{Action: ActionJoin, Room: room})
	if err != nil {
		return nil, err
	}
	if reply.Type == FrameError {
		return nil, &JoinError{Room: room, Code: reply.Error, Details: reply.Details}
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = s.send(ClientFrame{Action: ActionLeave, Room: room})
			if errors.Is(err, ErrSessionClosed) {
				err = nil
			}
		})
		return err
	}, nil
}

// WithOrder runs fn while joined to the order's room
func (s *Session) WithOrder(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	leave, err := s.Join(ctx, models.OrderRoom(orderID))
	if err != nil {
		return err
	}
	defer leave()
	return fn(ctx)
}

// Typing announces a typing indicator to the order room
func (s *Session) Typing(orderID string, isTyping bool) error {
	return s.send(ClientFrame{Action: ActionTyping, OrderID: orderID, IsTyping: isTyping})
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
		close(s.done)
	})
	return err
}

func (s *Session) send(f ClientFrame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Action, err)
	}
	return nil
}

// request sends f and waits for the control reply addressed to room
func (s *Session) request(ctx context.Context, room string, f ClientFrame) (ServerFrame, error) {
	wait := make(chan ServerFrame, 1)
	s.mu.Lock()
	if _, busy := s.waiters[room]; busy {
		s.mu.Unlock()
		return ServerFrame{}, fmt.Errorf("request for %s already in flight", room)
	}
	s.waiters[room] = wait
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, room)
		s.mu.Unlock()
	}()

	if err := s.send(f); err != nil {
		return ServerFrame{}, err
	}
	select {
	case reply := <-wait:
		return reply, nil
	case <-ctx.Done():
		return ServerFrame{}, ctx.Err()
	case <-s.done:
		return ServerFrame{}, ErrSessionClosed
	}
}

func (s *Session) readLoop() {
	defer close(s.events)
	defer s.Close()

	for {
		var f ServerFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case FrameJoined, FrameLeft, FrameError:
			s.mu.Lock()
			wait, ok := s.waiters[f.Room]
			s.mu.Unlock()
			if ok {
				select {
				case wait <- f:
				default:
				}
			}
		default:
			select {
			case s.events <- f.Event:
			case <-s.done:
				return
			}
		}
	}
}
