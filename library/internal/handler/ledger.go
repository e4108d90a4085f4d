package handler

import (
	"net/http"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/labstack/echo/v4"
)

type loanRequest struct {
	TitleID  int64  `json:"titleId" validate:"required,gt=0"`
	PatronID int64  `json:"patronId" validate:"gte=0"`
	DueDate  string `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
}

// RequestLoan godoc
// @Summary issue a loan
// @Tags loans
// @Accept json
// @Produce json
// @Param request body loanRequest true "title and optional patron (admin) and due date (admin)"
// @Success 201 {object} model.Loan
// @Failure 400,403,404,409 {object} echo.HTTPError
// @Router /api/v1/loans [post]
func (h *Handler) RequestLoan(c echo.Context) error {
	var req loanRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	in := model.LoanRequest{PatronID: req.PatronID, TitleID: req.TitleID}
	if in.PatronID == 0 {
		in.PatronID = actor.PatronID
	}
	if req.DueDate != "" {
		due, err := time.Parse(time.DateOnly, req.DueDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "dueDate is invalid")
		}
		in.DueDate = &due
	}
	loan, err := h.ledgerSvc.RequestLoan(c.Request().Context(), actor, in)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, loan)
}

// ReturnLoan godoc
// @Summary return a loan, charging a fine when late
// @Tags loans
// @Produce json
// @Param id path int true "loan id"
// @Success 200 {object} model.ReturnResult
// @Failure 400,403,404,409 {object} echo.HTTPError
// @Router /api/v1/loans/{id}/return [post]
func (h *Handler) ReturnLoan(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	res, err := h.ledgerSvc.ReturnLoan(c.Request().Context(), actor, id)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type countResponse struct {
	Count int64 `json:"count"`
}

// PurgeLoans godoc
// @Summary delete loans; patrons may only delete their own returned loans
// @Tags loans
// @Produce json
// @Param ids query string false "comma separated loan ids, all when empty"
// @Success 200 {object} countResponse
// @Failure 400,403,404 {object} echo.HTTPError
// @Router /api/v1/loans [delete]
func (h *Handler) PurgeLoans(c echo.Context) error {
	ids, err := queryIDs(c, "ids")
	if err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	n, err := h.ledgerSvc.PurgeLoans(c.Request().Context(), actor, ids)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, countResponse{Count: n})
}

type reservationRequest struct {
	TitleID   int64  `json:"titleId" validate:"required,gt=0"`
	PatronID  int64  `json:"patronId" validate:"gte=0"`
	StartDate string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"endDate" validate:"required,datetime=2006-01-02"`
}

// RequestReservation godoc
// @Summary reserve a title; queued as pending when no copy is free
// @Tags reservations
// @Accept json
// @Produce json
// @Param request body reservationRequest true "reservation"
// @Success 201 {object} model.ReservationResult
// @Failure 400,403,404 {object} echo.HTTPError
// @Router /api/v1/reservations [post]
func (h *Handler) RequestReservation(c echo.Context) error {
	var req reservationRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	start, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "startDate is invalid")
	}
	end, err := time.Parse(time.DateOnly, req.EndDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "endDate is invalid")
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	in := model.ReservationRequest{
		PatronID:  req.PatronID,
		TitleID:   req.TitleID,
		StartDate: start,
		EndDate:   end,
	}
	if in.PatronID == 0 {
		in.PatronID = actor.PatronID
	}
	res, err := h.ledgerSvc.RequestReservation(c.Request().Context(), actor, in)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// FinalizeReservation godoc
// @Summary close a reservation; finalizing twice is a no-op
// @Tags reservations
// @Produce json
// @Param id path int true "reservation id"
// @Success 200 {object} model.Reservation
// @Failure 400,403,404 {object} echo.HTTPError
// @Router /api/v1/reservations/{id}/finalize [post]
func (h *Handler) FinalizeReservation(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	res, err := h.ledgerSvc.FinalizeReservation(c.Request().Context(), actor, id)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// DeleteReservation godoc
// @Summary delete a reservation
// @Tags reservations
// @Param id path int true "reservation id"
// @Success 204
// @Failure 400,403,404 {object} echo.HTTPError
// @Router /api/v1/reservations/{id} [delete]
func (h *Handler) DeleteReservation(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	if err := h.ledgerSvc.DeleteReservation(c.Request().Context(), actor, id); err != nil {
		return h.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PurgeReservations godoc
// @Summary bulk delete reservations
// @Tags reservations
// @Produce json
// @Param filter query string false "all or finalized" default(finalized)
// @Success 200 {object} countResponse
// @Failure 400,403 {object} echo.HTTPError
// @Router /api/v1/reservations [delete]
func (h *Handler) PurgeReservations(c echo.Context) error {
	filter := model.PurgeFinalized
	if v := c.QueryParam("filter"); v != "" {
		filter = model.PurgeFilter(v)
	}
	if !filter.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "filter is invalid")
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	n, err := h.ledgerSvc.PurgeReservations(c.Request().Context(), actor, filter)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, countResponse{Count: n})
}

type restockRequest struct {
	Delta int `json:"delta" validate:"required"`
}

// Restock godoc
// @Summary add or write off copies of a title
// @Tags titles
// @Accept json
// @Produce json
// @Param id path int true "title id"
// @Param request body restockRequest true "copies delta"
// @Success 200 {object} model.Title
// @Failure 400,403,404 {object} echo.HTTPError
// @Router /api/v1/titles/{id}/restock [patch]
func (h *Handler) Restock(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req restockRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	title, err := h.ledgerSvc.Restock(c.Request().Context(), actor, id, req.Delta)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, title)
}

// InventorySnapshot godoc
// @Summary per title copies, open loans, holds and real availability
// @Tags reports
// @Produce json
// @Success 200 {array} model.InventoryRow
// @Failure 403 {object} echo.HTTPError
// @Router /api/v1/inventory [get]
func (h *Handler) InventorySnapshot(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	rows, err := h.ledgerSvc.InventorySnapshot(c.Request().Context(), actor)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

// SweepOverdueFines godoc
// @Summary charge or refresh fines of overdue open loans
// @Tags fines
// @Produce json
// @Success 200 {object} countResponse
// @Failure 403 {object} echo.HTTPError
// @Router /api/v1/fines/sweep [post]
func (h *Handler) SweepOverdueFines(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	n, err := h.ledgerSvc.SweepOverdueFines(c.Request().Context(), actor)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, countResponse{Count: int64(n)})
}
