package service

import (
	"context"
	"strings"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const statsTop = 5

// ResolveActor fills in the caller's patron id from its external identity when the gateway did not send one.
func (s *Service) ResolveActor(ctx context.Context, actor model.Actor) (model.Actor, error) {
	if actor.PatronID != 0 || actor.Subject == "" {
		return actor, nil
	}
	p, err := s.repo.GetPatronByExternalID(ctx, actor.Subject)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return actor, nil
		}
		return actor, err
	}
	actor.PatronID = p.ID
	return actor, nil
}

// RegisterPatron creates the patron profile bound to an external identity. Callers register
// themselves as regular patrons; admins may register anyone with any role.
func (s *Service) RegisterPatron(ctx context.Context, actor model.Actor, p model.Patron) (model.Patron, error) {
	if p.ExternalID == "" {
		p.ExternalID = actor.Subject
	}
	if p.Role == "" {
		p.Role = model.RoleRegular
	}
	if !actor.IsAdmin() && (p.ExternalID != actor.Subject || p.Role != model.RoleRegular) {
		return model.Patron{}, errs.ErrPermissionDenied
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	res, err := s.repo.CreatePatron(ctx, p)
	if err != nil {
		return model.Patron{}, err
	}
	s.log.Info("patron registered", zap.Int64("patron_id", res.ID), zap.String("external_id", res.ExternalID))
	return res, nil
}

func (s *Service) GetPatron(ctx context.Context, actor model.Actor, id int64) (model.Patron, error) {
	if !actor.CanActFor(id) {
		return model.Patron{}, errs.ErrPermissionDenied
	}
	return s.repo.GetPatron(ctx, id)
}

// UpdatePatron rewrites the patron's name and email. Identity and role stay as registered.
func (s *Service) UpdatePatron(ctx context.Context, actor model.Actor, p model.Patron) (model.Patron, error) {
	if !actor.CanActFor(p.ID) {
		return model.Patron{}, errs.ErrPermissionDenied
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	res, err := s.repo.UpdatePatron(ctx, p)
	if err != nil {
		return model.Patron{}, err
	}
	s.log.Info("patron updated", zap.Int64("patron_id", res.ID))
	return res, nil
}

func requireAdmin(actor model.Actor) error {
	if !actor.IsAdmin() {
		return errs.ErrPermissionDenied
	}
	return nil
}

func (s *Service) CreateAuthor(ctx context.Context, actor model.Actor, a model.Author) (model.Author, error) {
	if err := requireAdmin(actor); err != nil {
		return model.Author{}, err
	}
	return s.repo.CreateAuthor(ctx, a)
}

func (s *Service) ListAuthors(ctx context.Context) ([]model.Author, error) {
	return s.repo.ListAuthors(ctx)
}

// DeleteAuthor also removes the author's titles.
func (s *Service) DeleteAuthor(ctx context.Context, actor model.Actor, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	return s.repo.DeleteAuthor(ctx, id)
}

func (s *Service) CreateCategory(ctx context.Context, actor model.Actor, c model.Category) (model.Category, error) {
	if err := requireAdmin(actor); err != nil {
		return model.Category{}, err
	}
	return s.repo.CreateCategory(ctx, c)
}

func (s *Service) ListCategories(ctx context.Context) ([]model.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) DeleteCategory(ctx context.Context, actor model.Actor, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	return s.repo.DeleteCategory(ctx, id)
}

func (s *Service) CreatePublisher(ctx context.Context, actor model.Actor, p model.Publisher) (model.Publisher, error) {
	if err := requireAdmin(actor); err != nil {
		return model.Publisher{}, err
	}
	return s.repo.CreatePublisher(ctx, p)
}

func (s *Service) ListPublishers(ctx context.Context) ([]model.Publisher, error) {
	return s.repo.ListPublishers(ctx)
}

func (s *Service) DeletePublisher(ctx context.Context, actor model.Actor, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	return s.repo.DeletePublisher(ctx, id)
}

func (s *Service) CreateTag(ctx context.Context, actor model.Actor, t model.Tag) (model.Tag, error) {
	if err := requireAdmin(actor); err != nil {
		return model.Tag{}, err
	}
	return s.repo.CreateTag(ctx, t)
}

func (s *Service) ListTags(ctx context.Context) ([]model.Tag, error) {
	return s.repo.ListTags(ctx)
}

func (s *Service) CreateTitle(ctx context.Context, actor model.Actor, t model.Title) (model.Title, error) {
	if err := requireAdmin(actor); err != nil {
		return model.Title{}, err
	}
	return s.repo.CreateTitle(ctx, t)
}

func (s *Service) GetTitle(ctx context.Context, id int64) (model.Title, error) {
	return s.repo.GetTitle(ctx, id)
}

func (s *Service) ListTitles(ctx context.Context, f model.TitleFilter) (model.ListTitles, error) {
	return s.repo.ListTitles(ctx, f)
}

func (s *Service) DeleteTitle(ctx context.Context, actor model.Actor, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	return s.repo.DeleteTitle(ctx, id)
}

// listScope resolves whose rows a listing shows: patronID 0 means everyone and is admin only.
func listScope(actor model.Actor, patronID int64) (int64, error) {
	if patronID == 0 && !actor.IsAdmin() {
		patronID = actor.PatronID
	}
	if patronID == 0 && !actor.IsAdmin() {
		return 0, errs.ErrPermissionDenied
	}
	if patronID != 0 && !actor.CanActFor(patronID) {
		return 0, errs.ErrPermissionDenied
	}
	return patronID, nil
}

func (s *Service) ListLoans(ctx context.Context, actor model.Actor, patronID int64) ([]model.Loan, error) {
	scope, err := listScope(actor, patronID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLoans(ctx, scope)
}

func (s *Service) ListReservations(ctx context.Context, actor model.Actor, patronID int64) ([]model.Reservation, error) {
	scope, err := listScope(actor, patronID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListReservations(ctx, scope)
}

func (s *Service) ListFines(ctx context.Context, actor model.Actor, patronID int64) ([]model.Fine, error) {
	scope, err := listScope(actor, patronID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListFines(ctx, scope)
}

func (s *Service) ListNotifications(ctx context.Context, actor model.Actor, patronID int64, unreadOnly bool) ([]model.Notification, error) {
	scope, err := listScope(actor, patronID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListNotifications(ctx, scope, unreadOnly)
}

func (s *Service) MarkNotificationRead(ctx context.Context, actor model.Actor, id int64) error {
	if actor.IsAdmin() {
		return s.repo.MarkNotificationRead(ctx, id, 0)
	}
	if actor.PatronID == 0 {
		return errs.ErrPermissionDenied
	}
	return s.repo.MarkNotificationRead(ctx, id, actor.PatronID)
}

func (s *Service) Stats(ctx context.Context, actor model.Actor) (model.Stats, error) {
	if err := requireAdmin(actor); err != nil {
		return model.Stats{}, err
	}
	return s.repo.Stats(ctx, statsTop)
}
