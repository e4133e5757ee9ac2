// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/router"
)

// Status is the lifecycle state of a session.
type Status int

const (
	StatusClosed Status = iota
	StatusOpen
)

// String implements fmt.Stringer.
func (s Status) String() string {
	if s == StatusOpen {
		return "open"
	}
	return "closed"
}

// ErrAlreadyOpened is returned when Open is called on a session that was
// already opened once. Reconnecting an identity needs a new session.
var ErrAlreadyOpened = errors.New("session was already opened")

// Transport writes a message on the wire.
type Transport interface {
	Write(address string, args models.Args) error
}

// SystemHandler is implemented by transports with system addresses of
// their own. HandleSystem runs before the common protocol; handled
// reports whether it consumed the message. A non-nil error is replied on
// the error address.
type SystemHandler interface {
	HandleSystem(ctx context.Context, address string, args models.Args) (handled bool, err error)
}

// Conn is the capability set every transport connection exposes.
type Conn interface {
	Namespace() string
	ID() string
	Infos() map[string]string
	Send(address string, args models.Args) error
}

// Session is the transport-independent half of a connection: identity,
// subscriptions, infos, the CLOSED/OPEN state machine and the system
// message protocol. Transport connections embed a *Session.
type Session struct {
	manager   *Manager
	transport Transport
	namespace string
	autoID    bool

	mu            sync.Mutex
	id            string
	subscriptions []string
	infos         map[string]string
	status        Status
	opened        bool
	finished      bool
	pending       []models.Message
	ready         chan struct{}
	logger        zerolog.Logger
}

var _ Conn = (*Session)(nil)

// NewSession creates a closed session. An empty id with autoID set gets an
// id assigned on Open.
func NewSession(manager *Manager, transport Transport, namespace, id string, autoID bool) *Session {
	return &Session{
		manager:   manager,
		transport: transport,
		namespace: namespace,
		id:        id,
		autoID:    autoID,
		infos:     make(map[string]string),
		ready:     make(chan struct{}),
		logger:    logging.WithConnection(namespace, id),
	}
}

// Namespace returns the transport namespace.
func (s *Session) Namespace() string { return s.namespace }

// ID returns the connection id, empty until assigned for auto id sessions.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// AutoID reports whether the id is assigned by the store.
func (s *Session) AutoID() bool { return s.autoID }

// SetID sets the id. The store calls it for auto id sessions.
func (s *Session) SetID(id string) {
	s.mu.Lock()
	s.id = id
	s.logger = logging.WithConnection(s.namespace, id)
	s.mu.Unlock()
}

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Ready is closed once the session is OPEN and every message queued
// before that has been handled.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Manager returns the owning manager.
func (s *Session) Manager() *Manager {
	return s.manager
}

// Logger returns the connection-scoped logger.
func (s *Session) Logger() *zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logger
	return &l
}

// Subscriptions returns the subscribed addresses in subscription order.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscriptions...)
}

// Infos returns a copy of the transport metadata.
func (s *Session) Infos() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.infos))
	for k, v := range s.infos {
		out[k] = v
	}
	return out
}

// Info returns one metadata value.
func (s *Session) Info(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.infos[key]
	return v, ok
}

// SetInfo sets one metadata value. It is not persisted until the next
// ConnectionUpdate.
func (s *Session) SetInfo(key, value string) {
	s.mu.Lock()
	s.infos[key] = value
	s.mu.Unlock()
}

// addSubscription records address and reports whether the set grew.
func (s *Session) addSubscription(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subscriptions {
		if existing == address {
			return false
		}
	}
	s.subscriptions = append(s.subscriptions, address)
	return true
}

// Record implements store.Persistable.
func (s *Session) Record() models.ConnectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make(map[string]string, len(s.infos))
	for k, v := range s.infos {
		infos[k] = v
	}
	return models.ConnectionRecord{
		Namespace:     s.namespace,
		ID:            s.id,
		Subscriptions: append([]string{}, s.subscriptions...),
		Infos:         infos,
	}
}

// Restore implements store.Persistable. Stored subscriptions are
// deduplicated; stored infos override current ones.
func (s *Session) Restore(record models.ConnectionRecord) error {
	if record.Namespace != "" && record.Namespace != s.namespace {
		return fmt.Errorf("record namespace %q does not match %q", record.Namespace, s.namespace)
	}
	for _, address := range record.Subscriptions {
		s.addSubscription(address)
	}
	s.mu.Lock()
	for k, v := range record.Infos {
		s.infos[k] = v
	}
	s.mu.Unlock()
	return nil
}

// Send writes a message through the transport. It is the router
// subscriber entry point.
func (s *Session) Send(address string, args models.Args) error {
	return s.transport.Write(address, args)
}

// Open registers the session with the manager, then replays the system
// messages received while closed, in arrival order, and finally closes
// the Ready channel. A session is opened at most once; a failed Open
// leaves it closed and may be retried.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return ErrAlreadyOpened
	}
	s.opened = true
	s.mu.Unlock()

	if err := s.manager.Open(ctx, s); err != nil {
		s.mu.Lock()
		s.opened = false
		s.mu.Unlock()
		return err
	}

	// Messages arriving during the replay are appended to pending, so
	// arrival order holds until the status flips.
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.status = StatusOpen
			s.mu.Unlock()
			break
		}
		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.dispatch(ctx, msg.Address, msg.Args)
	}
	close(s.ready)
	return nil
}

// Close deregisters the session. Messages received afterwards are dropped.
func (s *Session) Close(ctx context.Context) error {
	if err := s.manager.Close(ctx, s); err != nil {
		return err
	}
	s.mu.Lock()
	s.status = StatusClosed
	s.finished = true
	s.pending = nil
	s.mu.Unlock()
	return nil
}

// Publish sends a client-originated message through the manager. Protocol
// errors are replied on the error address and returned.
func (s *Session) Publish(address string, args models.Args) error {
	err := s.manager.Publish(address, args)
	if err != nil {
		s.ReplyError(err)
	}
	return err
}

// HandleSystemMessage handles a message on a system address. While the
// session is closed the message is queued for replay on open.
func (s *Session) HandleSystemMessage(ctx context.Context, address string, args models.Args) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		s.Logger().Debug().Str("address", address).Msg("dropping system message for closed connection")
		return
	}
	if s.status != StatusOpen {
		s.pending = append(s.pending, models.Message{Address: address, Args: args})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.dispatch(ctx, address, args)
}

func (s *Session) dispatch(ctx context.Context, address string, args models.Args) {
	normalized, err := router.Normalize(address)
	if err != nil {
		s.ReplyError(err)
		return
	}

	if h, ok := s.transport.(SystemHandler); ok {
		handled, err := h.HandleSystem(ctx, normalized, args)
		if err != nil {
			s.ReplyError(err)
			return
		}
		if handled {
			return
		}
	}

	switch normalized {
	case router.SubscribeAddress:
		s.handleSubscribe(ctx, args)
	case router.ResendAddress:
		s.handleResend(args)
	case router.ConnectionsListAddress:
		s.handleConnectionsList(args)
	default:
		s.ReplyError(&router.ProtocolError{
			Address: normalized,
			Reason:  "unknown system address",
			Err:     router.ErrInvalidAddress,
		})
	}
}

// StringArg returns args[i] as a string or a protocol error.
func StringArg(address string, args models.Args, i int) (string, error) {
	if i < len(args) {
		if v, ok := args[i].(string); ok {
			return v, nil
		}
	}
	return "", &router.ProtocolError{
		Address: address,
		Reason:  fmt.Sprintf("argument %d must be a string", i),
		Err:     router.ErrInvalidArgs,
	}
}

// IntArg returns args[i] as an int or a protocol error.
func IntArg(address string, args models.Args, i int) (int, error) {
	if i < len(args) {
		if v, ok := models.AsInt(args[i]); ok {
			return v, nil
		}
	}
	return 0, &router.ProtocolError{
		Address: address,
		Reason:  fmt.Sprintf("argument %d must be an integer", i),
		Err:     router.ErrInvalidArgs,
	}
}

func (s *Session) handleSubscribe(ctx context.Context, args models.Args) {
	address, err := StringArg(router.SubscribeAddress, args, 0)
	if err != nil {
		s.ReplyError(err)
		return
	}
	normalized, err := router.Normalize(address)
	if err != nil {
		s.ReplyError(err)
		return
	}
	if err := s.manager.Subscribe(s, normalized); err != nil {
		s.ReplyError(err)
		return
	}

	grew := s.addSubscription(normalized)
	s.reply(router.SubscribedAddress, models.Args{address})
	if grew {
		s.manager.ConnectionUpdate(ctx, s)
	}
}

func (s *Session) handleResend(args models.Args) {
	address, err := StringArg(router.ResendAddress, args, 0)
	if err != nil {
		s.ReplyError(err)
		return
	}
	last := s.manager.LastMessage(address)
	if !last.Known {
		return
	}
	replyArgs := last.Args
	if replyArgs == nil {
		replyArgs = models.Args{}
	}
	s.reply(address, replyArgs)
}

func (s *Session) handleConnectionsList(args models.Args) {
	namespace, err := StringArg(router.ConnectionsListAddress, args, 0)
	if err != nil {
		s.ReplyError(err)
		return
	}
	ids := s.manager.OpenConnectionIDs(namespace)
	reply := make(models.Args, 0, len(ids))
	for _, id := range ids {
		reply = append(reply, id)
	}
	s.reply(router.ConnectionsTakeAddress, reply)
}

// ReplyError sends err's message on the error address.
func (s *Session) ReplyError(err error) {
	metrics.ProtocolErrors.WithLabelValues(s.namespace).Inc()
	s.Logger().Debug().Err(err).Msg("protocol error")
	s.reply(router.ErrorAddress, models.Args{err.Error()})
}

func (s *Session) reply(address string, args models.Args) {
	if err := s.Send(address, args); err != nil {
		s.Logger().Warn().Err(err).Str("address", address).Msg("reply failed")
	}
}
