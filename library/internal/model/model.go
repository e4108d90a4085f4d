package model

import "time"

type Paging struct {
	Page          int `json:"page"`
	PageSize      int `json:"pageSize"`
	TotalElements int `json:"totalElements"`
}

type ListTitles struct {
	Paging `json:",inline"`
	Items  []Title `json:"items"`
}

type TitleFilter struct {
	Name       string
	AuthorID   int64
	CategoryID int64
	// OnlyAvailable hides titles whose cached availability is zero.
	OnlyAvailable bool
	Page, Size    int
}

type Title struct {
	ID              int64      `json:"id" db:"id"`
	Name            string     `json:"name" db:"name" validate:"required,max=200"`
	ISBN            string     `json:"isbn" db:"isbn" validate:"required,len=13,numeric"`
	AuthorID        int64      `json:"authorId" db:"author_id" validate:"required,gt=0"`
	CategoryID      *int64     `json:"categoryId,omitempty" db:"category_id"`
	PublisherID     *int64     `json:"publisherId,omitempty" db:"publisher_id"`
	PublishedAt     *time.Time `json:"publishedAt,omitempty" db:"published_at"`
	Pages           int        `json:"pages" db:"pages" validate:"gte=1"`
	TotalCopies     int        `json:"totalCopies" db:"total_copies" validate:"gte=0"`
	AvailableCopies int        `json:"availableCopies" db:"available_copies"`
	Tags            []string   `json:"tags,omitempty" db:"-"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
}

type Author struct {
	ID          int64      `json:"id" db:"id"`
	Name        string     `json:"name" db:"name" validate:"required,max=100"`
	Nationality string     `json:"nationality" db:"nationality" validate:"max=100"`
	BirthDate   *time.Time `json:"birthDate,omitempty" db:"birth_date"`
}

type Category struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name" validate:"required,max=100"`
}

type Publisher struct {
	ID      int64  `json:"id" db:"id"`
	Name    string `json:"name" db:"name" validate:"required,max=100"`
	Country string `json:"country" db:"country" validate:"max=100"`
}

type Tag struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name" validate:"required,max=50"`
}

type Patron struct {
	ID           int64     `json:"id" db:"id"`
	ExternalID   string    `json:"externalId" db:"external_id" validate:"required,max=150"`
	FirstName    string    `json:"firstName" db:"first_name" validate:"required,max=100"`
	LastName     string    `json:"lastName" db:"last_name" validate:"required,max=100"`
	Email        string    `json:"email" db:"email" validate:"required,email"`
	Role         Role      `json:"role" db:"role" validate:"oneof=regular admin"`
	RegisteredAt time.Time `json:"registeredAt" db:"registered_at"`
}

type TitleCount struct {
	TitleID int64  `json:"titleId" db:"title_id"`
	Name    string `json:"name" db:"name"`
	Count   int    `json:"count" db:"count"`
}

type DayCount struct {
	Day   time.Time `json:"day" db:"day"`
	Count int       `json:"count" db:"count"`
}

type Stats struct {
	TopLoaned   []TitleCount `json:"topLoaned"`
	TopReserved []TitleCount `json:"topReserved"`
	TotalLoans  int          `json:"totalLoans"`
	Patrons     int          `json:"patrons"`
	LoansPerDay []DayCount   `json:"loansPerDay"`
}
