package handler

import (
	"context"
	"net/http"

	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/labstack/echo/v4"
)

// RegisterPatron godoc
// @Summary register the caller (or, for admins, anyone) as a patron
// @Tags patrons
// @Accept json
// @Produce json
// @Param request body model.Patron true "patron profile"
// @Success 201 {object} model.Patron
// @Failure 400,403,409 {object} echo.HTTPError
// @Router /api/v1/patrons [post]
func (h *Handler) RegisterPatron(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var p model.Patron
	if err := c.Bind(&p); err != nil {
		return err
	}
	if p.ExternalID == "" {
		p.ExternalID = actor.Subject
	}
	if p.Role == "" {
		p.Role = model.RoleRegular
	}
	if err := c.Validate(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.librarySvc.RegisterPatron(c.Request().Context(), actor, p)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// GetPatron godoc
// @Summary patron profile
// @Tags patrons
// @Produce json
// @Param id path int true "patron id"
// @Success 200 {object} model.Patron
// @Failure 400,403,404 {object} echo.HTTPError
// @Router /api/v1/patrons/{id} [get]
func (h *Handler) GetPatron(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	p, err := h.librarySvc.GetPatron(c.Request().Context(), actor, id)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type patronRequest struct {
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
	Email     string `json:"email" validate:"required,email"`
}

// UpdatePatron godoc
// @Summary change a patron's name or email
// @Tags patrons
// @Accept json
// @Produce json
// @Param id path int true "patron id"
// @Param request body patronRequest true "new profile"
// @Success 200 {object} model.Patron
// @Failure 400,403,404,409 {object} echo.HTTPError
// @Router /api/v1/patrons/{id} [patch]
func (h *Handler) UpdatePatron(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req patronRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	p, err := h.librarySvc.UpdatePatron(c.Request().Context(), actor, model.Patron{
		ID:        id,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
	})
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// ListTitles godoc
// @Summary search the catalog
// @Tags titles
// @Produce json
// @Param name query string false "name substring"
// @Param authorId query int false "author id"
// @Param categoryId query int false "category id"
// @Param available query bool false "only titles with a free copy"
// @Param page query int false "page"
// @Param size query int false "page size"
// @Success 200 {object} model.ListTitles
// @Failure 400 {object} echo.HTTPError
// @Router /api/v1/titles [get]
func (h *Handler) ListTitles(c echo.Context) error {
	f := model.TitleFilter{Name: c.QueryParam("name")}
	var err error
	if f.AuthorID, err = queryInt64(c, "authorId"); err != nil {
		return err
	}
	if f.CategoryID, err = queryInt64(c, "categoryId"); err != nil {
		return err
	}
	if f.OnlyAvailable, err = queryBool(c, "available"); err != nil {
		return err
	}
	if f.Page, err = queryInt(c, "page"); err != nil {
		return err
	}
	if f.Size, err = queryInt(c, "size"); err != nil {
		return err
	}
	titles, err := h.librarySvc.ListTitles(c.Request().Context(), f)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, titles)
}

// GetTitle godoc
// @Summary title with its tags
// @Tags titles
// @Produce json
// @Param id path int true "title id"
// @Success 200 {object} model.Title
// @Failure 400,404 {object} echo.HTTPError
// @Router /api/v1/titles/{id} [get]
func (h *Handler) GetTitle(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	t, err := h.librarySvc.GetTitle(c.Request().Context(), id)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// CreateTitle godoc
// @Summary add a title to the catalog
// @Tags titles
// @Accept json
// @Produce json
// @Param request body model.Title true "title"
// @Success 201 {object} model.Title
// @Failure 400,403,404,409 {object} echo.HTTPError
// @Router /api/v1/titles [post]
func (h *Handler) CreateTitle(c echo.Context) error {
	var t model.Title
	if err := bindValid(c, &t); err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.CreateTitle(c.Request().Context(), actor, t)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// DeleteTitle godoc
// @Summary remove a title
// @Tags titles
// @Param id path int true "title id"
// @Success 204
// @Failure 400,403,404,409 {object} echo.HTTPError
// @Router /api/v1/titles/{id} [delete]
func (h *Handler) DeleteTitle(c echo.Context) error {
	return h.byID(c, h.librarySvc.DeleteTitle)
}

func (h *Handler) ListAuthors(c echo.Context) error {
	res, err := h.librarySvc.ListAuthors(c.Request().Context())
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CreateAuthor(c echo.Context) error {
	var a model.Author
	if err := bindValid(c, &a); err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.CreateAuthor(c.Request().Context(), actor, a)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) DeleteAuthor(c echo.Context) error {
	return h.byID(c, h.librarySvc.DeleteAuthor)
}

func (h *Handler) ListCategories(c echo.Context) error {
	res, err := h.librarySvc.ListCategories(c.Request().Context())
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CreateCategory(c echo.Context) error {
	var cat model.Category
	if err := bindValid(c, &cat); err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.CreateCategory(c.Request().Context(), actor, cat)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) DeleteCategory(c echo.Context) error {
	return h.byID(c, h.librarySvc.DeleteCategory)
}

func (h *Handler) ListPublishers(c echo.Context) error {
	res, err := h.librarySvc.ListPublishers(c.Request().Context())
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CreatePublisher(c echo.Context) error {
	var p model.Publisher
	if err := bindValid(c, &p); err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.CreatePublisher(c.Request().Context(), actor, p)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) DeletePublisher(c echo.Context) error {
	return h.byID(c, h.librarySvc.DeletePublisher)
}

func (h *Handler) ListTags(c echo.Context) error {
	res, err := h.librarySvc.ListTags(c.Request().Context())
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CreateTag(c echo.Context) error {
	var t model.Tag
	if err := bindValid(c, &t); err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.CreateTag(c.Request().Context(), actor, t)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) byID(c echo.Context, call func(ctx context.Context, actor model.Actor, id int64) error) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	if err := call(c.Request().Context(), actor, id); err != nil {
		return h.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListLoans godoc
// @Summary loans of the caller, or of any patron for admins
// @Tags loans
// @Produce json
// @Param patronId query int false "patron id, admins may omit it to list everyone"
// @Success 200 {array} model.Loan
// @Failure 400,403 {object} echo.HTTPError
// @Router /api/v1/loans [get]
func (h *Handler) ListLoans(c echo.Context) error {
	actor, patronID, err := h.listScope(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.ListLoans(c.Request().Context(), actor, patronID)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ListReservations godoc
// @Summary reservations of the caller, or of any patron for admins
// @Tags reservations
// @Produce json
// @Param patronId query int false "patron id"
// @Success 200 {array} model.Reservation
// @Failure 400,403 {object} echo.HTTPError
// @Router /api/v1/reservations [get]
func (h *Handler) ListReservations(c echo.Context) error {
	actor, patronID, err := h.listScope(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.ListReservations(c.Request().Context(), actor, patronID)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ListFines godoc
// @Summary fines of the caller, or of any patron for admins
// @Tags fines
// @Produce json
// @Param patronId query int false "patron id"
// @Success 200 {array} model.Fine
// @Failure 400,403 {object} echo.HTTPError
// @Router /api/v1/fines [get]
func (h *Handler) ListFines(c echo.Context) error {
	actor, patronID, err := h.listScope(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.ListFines(c.Request().Context(), actor, patronID)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ListNotifications godoc
// @Summary notification inbox
// @Tags notifications
// @Produce json
// @Param patronId query int false "patron id"
// @Param unread query bool false "only unread"
// @Success 200 {array} model.Notification
// @Failure 400,403 {object} echo.HTTPError
// @Router /api/v1/notifications [get]
func (h *Handler) ListNotifications(c echo.Context) error {
	unread, err := queryBool(c, "unread")
	if err != nil {
		return err
	}
	actor, patronID, err := h.listScope(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.ListNotifications(c.Request().Context(), actor, patronID, unread)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// MarkNotificationRead godoc
// @Summary mark a notification as read
// @Tags notifications
// @Param id path int true "notification id"
// @Success 204
// @Failure 400,403,404 {object} echo.HTTPError
// @Router /api/v1/notifications/{id}/read [patch]
func (h *Handler) MarkNotificationRead(c echo.Context) error {
	return h.byID(c, h.librarySvc.MarkNotificationRead)
}

// Stats godoc
// @Summary circulation statistics
// @Tags reports
// @Produce json
// @Success 200 {object} model.Stats
// @Failure 403 {object} echo.HTTPError
// @Router /api/v1/stats [get]
func (h *Handler) Stats(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	res, err := h.librarySvc.Stats(c.Request().Context(), actor)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) listScope(c echo.Context) (model.Actor, int64, error) {
	patronID, err := queryInt64(c, "patronId")
	if err != nil {
		return model.Actor{}, 0, err
	}
	actor, err := h.actor(c)
	if err != nil {
		return model.Actor{}, 0, err
	}
	return actor, patronID, nil
}
