package model

import "time"

type Loan struct {
	ID         int64      `json:"id" db:"id"`
	PatronID   int64      `json:"patronId" db:"patron_id"`
	TitleID    int64      `json:"titleId" db:"title_id"`
	IssuedAt   time.Time  `json:"issuedAt" db:"issued_at"`
	DueDate    time.Time  `json:"dueDate" db:"due_date"`
	ReturnDate *time.Time `json:"returnDate,omitempty" db:"return_date"`
	Returned   bool       `json:"returned" db:"returned"`
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationActive    ReservationStatus = "active"
	ReservationFinalized ReservationStatus = "finalized"
)

// Holds reports whether the reservation still claims a copy slot.
func (s ReservationStatus) Holds() bool {
	return s == ReservationPending || s == ReservationActive
}

type Reservation struct {
	ID        int64             `json:"id" db:"id"`
	PatronID  int64             `json:"patronId" db:"patron_id"`
	TitleID   int64             `json:"titleId" db:"title_id"`
	StartDate time.Time         `json:"startDate" db:"start_date"`
	EndDate   time.Time         `json:"endDate" db:"end_date"`
	Status    ReservationStatus `json:"status" db:"status"`
	CreatedAt time.Time         `json:"createdAt" db:"created_at"`
}

type Fine struct {
	ID        int64     `json:"id" db:"id"`
	PatronID  int64     `json:"patronId" db:"patron_id"`
	LoanID    *int64    `json:"loanId,omitempty" db:"loan_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Paid      bool      `json:"paid" db:"paid"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

type NotificationKind string

const (
	NotificationFine             NotificationKind = "fine"
	NotificationReturned         NotificationKind = "returned"
	NotificationOverdue          NotificationKind = "overdue"
	NotificationReservationReady NotificationKind = "reservation_ready"
)

type Notification struct {
	ID            int64            `json:"id" db:"id"`
	PatronID      int64            `json:"patronId" db:"patron_id"`
	LoanID        *int64           `json:"loanId,omitempty" db:"loan_id"`
	ReservationID *int64           `json:"reservationId,omitempty" db:"reservation_id"`
	Kind          NotificationKind `json:"kind" db:"kind"`
	Message       string           `json:"message" db:"message"`
	Read          bool             `json:"read" db:"read"`
	CreatedAt     time.Time        `json:"createdAt" db:"created_at"`
}

// Usage is what currently consumes copies of a title.
type Usage struct {
	OpenLoans int
	Active    int
	Pending   int
}

func (u Usage) Holds() int { return u.Active + u.Pending }

// RealAvailability is max(0, total - open loans - active or pending reservations).
func RealAvailability(total int, u Usage) int {
	if n := total - u.OpenLoans - u.Holds(); n > 0 {
		return n
	}
	return 0
}

// FreeSlots counts copies not taken by a loan or an active hold; pending reservations wait on these.
func FreeSlots(total int, u Usage) int {
	if n := total - u.OpenLoans - u.Active; n > 0 {
		return n
	}
	return 0
}

type InventoryRow struct {
	TitleID          int64  `json:"titleId" db:"title_id"`
	Name             string `json:"name" db:"name"`
	TotalCopies      int    `json:"totalCopies" db:"total_copies"`
	OpenLoans        int    `json:"openLoans" db:"open_loans"`
	Reservations     int    `json:"activeOrPendingReservations" db:"reservations"`
	RealAvailability int    `json:"realAvailability" db:"-"`
}

type LoanRequest struct {
	PatronID int64
	TitleID  int64
	// DueDate overrides the grace period; admins only.
	DueDate *time.Time
}

type ReservationRequest struct {
	PatronID  int64
	TitleID   int64
	StartDate time.Time
	EndDate   time.Time
}

type ReservationResult struct {
	Reservation Reservation `json:"reservation"`
	Queued      bool        `json:"queued"`
}

type ReturnResult struct {
	Loan     Loan          `json:"loan"`
	LateDays int64         `json:"lateDays"`
	Fine     *Fine         `json:"fine,omitempty"`
	Promoted []Reservation `json:"promoted,omitempty"`
}

type PurgeFilter string

const (
	PurgeAll       PurgeFilter = "all"
	PurgeFinalized PurgeFilter = "finalized"
)

func (f PurgeFilter) Valid() bool { return f == PurgeAll || f == PurgeFinalized }

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LateDays is the number of whole days returned is past due, never negative.
func LateDays(due, returned time.Time) int64 {
	d := Day(returned).Sub(Day(due)) / (24 * time.Hour)
	if d < 0 {
		return 0
	}
	return int64(d)
}
