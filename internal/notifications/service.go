package notifications

import (
	"context"
	"net/http"
	"net/url"

	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/gateway"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/mutation"
)

// Ack actions sent over the real-time channel.
const (
	ActionRead    = "read"
	ActionReadAll = "read_all"
	ActionDelete  = "delete"
)

// Doer issues gateway requests.
type Doer interface {
	Do(ctx context.Context, req gateway.Request, out any) error
}

// Dispatcher runs named mutations.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, req gateway.Request, out any) error
}

// Acker forwards acknowledgements to the real-time channel.
type Acker interface {
	Ack(ctx context.Context, action, id string) error
}

// Service applies user actions to the list and mirrors them to the server.
// Local changes are applied first and rolled back if the server rejects
// them.
type Service struct {
	list     *List
	doer     Doer
	mutation Dispatcher
	base     string
	logger   *log.Logger

	acker Acker
}

// NewService creates a service for the collection rooted at base, for
// example "/notifications".
func NewService(list *List, doer Doer, dispatcher Dispatcher, base string, logger *log.Logger) *Service {
	return &Service{
		list:     list,
		doer:     doer,
		mutation: dispatcher,
		base:     base,
		logger:   log.OrDefault(logger).Named("notifications"),
	}
}

// SetAcker attaches the real-time channel for acknowledgements.
func (s *Service) SetAcker(a Acker) {
	s.acker = a
}

// List returns the underlying list.
func (s *Service) List() *List {
	return s.list
}

// Poll fetches the full list from the server and replaces the local one.
func (s *Service) Poll(ctx context.Context) error {
	var items []Notification
	if err := s.doer.Do(ctx, gateway.Request{Method: http.MethodGet, Path: s.base}, &items); err != nil {
		return err
	}
	s.list.Replace(items)
	return nil
}

// MarkAsRead marks id read.
func (s *Service) MarkAsRead(ctx context.Context, id string) error {
	was, ok := s.list.SetRead(id, true)
	if !ok {
		return s.notFound(id)
	}
	if was {
		return nil
	}

	err := s.mutation.Dispatch(ctx, mutation.MarkNotificationRead, gateway.Request{
		Method: http.MethodPatch,
		Path:   s.item(id) + "/read",
	}, nil)
	if err != nil {
		s.list.SetRead(id, false)
		return err
	}

	s.ack(ctx, ActionRead, id)
	return nil
}

// MarkAllAsRead marks every notification read.
func (s *Service) MarkAllAsRead(ctx context.Context) error {
	ids := s.list.MarkAllRead()
	if len(ids) == 0 {
		return nil
	}

	err := s.mutation.Dispatch(ctx, mutation.MarkAllNotificationsRead, gateway.Request{
		Method: http.MethodPatch,
		Path:   s.base + "/read-all",
	}, nil)
	if err != nil {
		for _, id := range ids {
			s.list.SetRead(id, false)
		}
		return err
	}

	s.ack(ctx, ActionReadAll, "")
	return nil
}

// Delete removes id.
func (s *Service) Delete(ctx context.Context, id string) error {
	removed, ok := s.list.Remove(id)
	if !ok {
		return s.notFound(id)
	}

	err := s.mutation.Dispatch(ctx, mutation.DeleteNotification, gateway.Request{
		Method: http.MethodDelete,
		Path:   s.item(id),
	}, nil)
	if err != nil {
		s.list.Apply(removed)
		return err
	}

	s.ack(ctx, ActionDelete, id)
	return nil
}

func (s *Service) item(id string) string {
	return s.base + "/" + url.PathEscape(id)
}

func (s *Service) ack(ctx context.Context, action, id string) {
	if s.acker == nil {
		return
	}
	if err := s.acker.Ack(ctx, action, id); err != nil {
		s.logger.WithError(err).Debug("channel ack not sent", "action", action)
	}
}

func (s *Service) notFound(id string) error {
	return errors.New(errors.KindNotFound, errors.ErrCodeNotFound, "notification not found: "+id)
}
