package repository

import (
	"context"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type repository struct {
	db  *sqlx.DB
	log *zap.Logger
}

var _ Repository = (*repository)(nil)

func NewRepository(db *sqlx.DB, log *zap.Logger) (*repository, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	return &repository{
		db:  db,
		log: log.Named("repo"),
	}, nil
}

func (r *repository) getByQuery(ctx context.Context, dest any, what string, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	if err := r.db.GetContext(ctx, dest, query, args...); err != nil {
		r.log.Debug(what, zap.String("q", query), zap.Any("args", args), zap.Error(err))
		return mapPgErr(err, what)
	}
	return nil
}

func (r *repository) selectByQuery(ctx context.Context, dest any, what string, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	if err := r.db.SelectContext(ctx, dest, query, args...); err != nil {
		r.log.Error(what, zap.String("q", query), zap.Error(err))
		return mapPgErr(err, what)
	}
	return nil
}

func (r *repository) deleteByID(ctx context.Context, table string, id int64) error {
	query, args, err := qb.Delete(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapPgErr(err, "delete from "+table)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(errs.ErrNotFound, table)
	}
	return nil
}

func (r *repository) CreateAuthor(ctx context.Context, a model.Author) (model.Author, error) {
	var res model.Author
	err := r.getByQuery(ctx, &res, "create author", qb.Insert("authors").
		Columns("name", "nationality", "birth_date").
		Values(a.Name, a.Nationality, a.BirthDate).
		Suffix("returning id, name, nationality, birth_date"))
	return res, err
}

func (r *repository) ListAuthors(ctx context.Context) ([]model.Author, error) {
	res := make([]model.Author, 0)
	err := r.selectByQuery(ctx, &res, "list authors",
		qb.Select("id", "name", "nationality", "birth_date").From("authors").OrderBy("name", "id"))
	return res, err
}

func (r *repository) DeleteAuthor(ctx context.Context, id int64) error {
	return r.deleteByID(ctx, "authors", id)
}

func (r *repository) CreateCategory(ctx context.Context, c model.Category) (model.Category, error) {
	var res model.Category
	err := r.getByQuery(ctx, &res, "create category", qb.Insert("categories").
		Columns("name").
		Values(c.Name).
		Suffix("returning id, name"))
	return res, err
}

func (r *repository) ListCategories(ctx context.Context) ([]model.Category, error) {
	res := make([]model.Category, 0)
	err := r.selectByQuery(ctx, &res, "list categories",
		qb.Select("id", "name").From("categories").OrderBy("name"))
	return res, err
}

func (r *repository) DeleteCategory(ctx context.Context, id int64) error {
	return r.deleteByID(ctx, "categories", id)
}

func (r *repository) CreatePublisher(ctx context.Context, p model.Publisher) (model.Publisher, error) {
	var res model.Publisher
	err := r.getByQuery(ctx, &res, "create publisher", qb.Insert("publishers").
		Columns("name", "country").
		Values(p.Name, p.Country).
		Suffix("returning id, name, country"))
	return res, err
}

func (r *repository) ListPublishers(ctx context.Context) ([]model.Publisher, error) {
	res := make([]model.Publisher, 0)
	err := r.selectByQuery(ctx, &res, "list publishers",
		qb.Select("id", "name", "country").From("publishers").OrderBy("name", "id"))
	return res, err
}

func (r *repository) DeletePublisher(ctx context.Context, id int64) error {
	return r.deleteByID(ctx, "publishers", id)
}

func (r *repository) CreateTag(ctx context.Context, t model.Tag) (model.Tag, error) {
	var res model.Tag
	err := r.getByQuery(ctx, &res, "create tag", qb.Insert("tags").
		Columns("name").
		Values(t.Name).
		Suffix("returning id, name"))
	return res, err
}

func (r *repository) ListTags(ctx context.Context) ([]model.Tag, error) {
	res := make([]model.Tag, 0)
	err := r.selectByQuery(ctx, &res, "list tags",
		qb.Select("id", "name").From("tags").OrderBy("name"))
	return res, err
}

// CreateTitle stores the title with every copy available and links its tags, creating missing ones.
func (r *repository) CreateTitle(ctx context.Context, t model.Title) (model.Title, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Title{}, err
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := qb.Insert(titlesTableName).
		Columns("name", "isbn", "author_id", "category_id", "publisher_id", "published_at", "pages", "total_copies", "available_copies").
		Values(t.Name, t.ISBN, t.AuthorID, t.CategoryID, t.PublisherID, t.PublishedAt, t.Pages, t.TotalCopies, t.TotalCopies).
		Suffix("returning " + titleColumns).
		ToSql()
	if err != nil {
		return model.Title{}, err
	}
	var res model.Title
	if err := tx.GetContext(ctx, &res, query, args...); err != nil {
		return model.Title{}, mapPgErr(err, "create title")
	}

	for _, name := range t.Tags {
		var tagID int64
		if err := tx.GetContext(ctx, &tagID,
			`insert into tags (name) values ($1) on conflict (name) do update set name = excluded.name returning id`, name); err != nil {
			return model.Title{}, mapPgErr(err, "upsert tag")
		}
		if _, err := tx.ExecContext(ctx,
			`insert into title_tags (title_id, tag_id) values ($1, $2) on conflict do nothing`, res.ID, tagID); err != nil {
			return model.Title{}, mapPgErr(err, "link tag")
		}
		res.Tags = append(res.Tags, name)
	}

	if err := tx.Commit(); err != nil {
		return model.Title{}, err
	}
	return res, nil
}

func (r *repository) GetTitle(ctx context.Context, id int64) (model.Title, error) {
	var t model.Title
	if err := r.getByQuery(ctx, &t, "title",
		qb.Select(titleColumns).From(titlesTableName).Where(sq.Eq{"id": id})); err != nil {
		return model.Title{}, err
	}
	if err := r.db.SelectContext(ctx, &t.Tags, `
select tg.name
from tags tg
    join title_tags tt on tt.tag_id = tg.id
where tt.title_id = $1
order by tg.name`, id); err != nil {
		return model.Title{}, mapPgErr(err, "title tags")
	}
	return t, nil
}

func (r *repository) ListTitles(ctx context.Context, f model.TitleFilter) (model.ListTitles, error) {
	where := sq.And{}
	if f.Name != "" {
		where = append(where, sq.ILike{"name": "%" + f.Name + "%"})
	}
	if f.AuthorID != 0 {
		where = append(where, sq.Eq{"author_id": f.AuthorID})
	}
	if f.CategoryID != 0 {
		where = append(where, sq.Eq{"category_id": f.CategoryID})
	}
	if f.OnlyAvailable {
		where = append(where, sq.Gt{"available_copies": 0})
	}

	var total int
	if err := r.getByQuery(ctx, &total, "count titles",
		qb.Select("count(*)").From(titlesTableName).Where(where)); err != nil {
		return model.ListTitles{}, err
	}

	q := qb.Select(titleColumns).From(titlesTableName).Where(where).OrderBy("name", "id")
	if f.Page != 0 && f.Size != 0 {
		q = q.Limit(uint64(f.Size)).Offset(uint64((f.Page - 1) * f.Size))
	}
	items := make([]model.Title, 0)
	if err := r.selectByQuery(ctx, &items, "list titles", q); err != nil {
		return model.ListTitles{}, err
	}

	return model.ListTitles{
		Paging: model.Paging{
			Page:          f.Page,
			PageSize:      f.Size,
			TotalElements: total,
		},
		Items: items,
	}, nil
}

func (r *repository) DeleteTitle(ctx context.Context, id int64) error {
	return r.deleteByID(ctx, titlesTableName, id)
}

func (r *repository) CreatePatron(ctx context.Context, p model.Patron) (model.Patron, error) {
	var res model.Patron
	err := r.getByQuery(ctx, &res, "create patron", qb.Insert(patronsTableName).
		Columns("external_id", "first_name", "last_name", "email", "role").
		Values(p.ExternalID, p.FirstName, p.LastName, p.Email, p.Role).
		Suffix("returning "+patronColumns))
	return res, err
}

func (r *repository) GetPatron(ctx context.Context, id int64) (model.Patron, error) {
	var res model.Patron
	err := r.getByQuery(ctx, &res, "patron",
		qb.Select(patronColumns).From(patronsTableName).Where(sq.Eq{"id": id}))
	return res, err
}

func (r *repository) GetPatronByExternalID(ctx context.Context, externalID string) (model.Patron, error) {
	var res model.Patron
	err := r.getByQuery(ctx, &res, "patron",
		qb.Select(patronColumns).From(patronsTableName).Where(sq.Eq{"external_id": externalID}))
	return res, err
}

// UpdatePatron rewrites the editable profile fields; identity and role stay as registered.
func (r *repository) UpdatePatron(ctx context.Context, p model.Patron) (model.Patron, error) {
	var res model.Patron
	err := r.getByQuery(ctx, &res, "patron", qb.Update(patronsTableName).
		Set("first_name", p.FirstName).
		Set("last_name", p.LastName).
		Set("email", p.Email).
		Where(sq.Eq{"id": p.ID}).
		Suffix("returning "+patronColumns))
	return res, err
}

func byPatron(b sq.SelectBuilder, patronID int64) sq.SelectBuilder {
	if patronID != 0 {
		b = b.Where(sq.Eq{"patron_id": patronID})
	}
	return b
}

func (r *repository) ListLoans(ctx context.Context, patronID int64) ([]model.Loan, error) {
	res := make([]model.Loan, 0)
	err := r.selectByQuery(ctx, &res, "list loans",
		byPatron(qb.Select(loanColumns).From(loansTableName), patronID).OrderBy("id desc"))
	return res, err
}

func (r *repository) ListReservations(ctx context.Context, patronID int64) ([]model.Reservation, error) {
	res := make([]model.Reservation, 0)
	err := r.selectByQuery(ctx, &res, "list reservations",
		byPatron(qb.Select(reservationColumns).From(reservationsTableName), patronID).OrderBy("id desc"))
	return res, err
}

func (r *repository) ListFines(ctx context.Context, patronID int64) ([]model.Fine, error) {
	res := make([]model.Fine, 0)
	err := r.selectByQuery(ctx, &res, "list fines",
		byPatron(qb.Select(fineColumns).From(finesTableName), patronID).OrderBy("id desc"))
	return res, err
}

func (r *repository) ListNotifications(ctx context.Context, patronID int64, unreadOnly bool) ([]model.Notification, error) {
	b := byPatron(qb.Select(notificationColumns).From(notificationsTableName), patronID)
	if unreadOnly {
		b = b.Where(sq.Eq{"read": false})
	}
	res := make([]model.Notification, 0)
	err := r.selectByQuery(ctx, &res, "list notifications", b.OrderBy("id desc"))
	return res, err
}

func (r *repository) MarkNotificationRead(ctx context.Context, id, patronID int64) error {
	b := qb.Update(notificationsTableName).Set("read", true).Where(sq.Eq{"id": id})
	if patronID != 0 {
		b = b.Where(sq.Eq{"patron_id": patronID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapPgErr(err, "mark notification read")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(errs.ErrNotFound, "notification")
	}
	return nil
}

func (r *repository) Stats(ctx context.Context, top int) (model.Stats, error) {
	st := model.Stats{
		TopLoaned:   make([]model.TitleCount, 0),
		TopReserved: make([]model.TitleCount, 0),
		LoansPerDay: make([]model.DayCount, 0),
	}
	if err := r.db.SelectContext(ctx, &st.TopLoaned, `
select t.id as title_id, t.name, count(l.id)::int as count
from loans l
    join titles t on t.id = l.title_id
group by t.id, t.name
order by count desc, t.id
limit $1`, top); err != nil {
		return model.Stats{}, mapPgErr(err, "top loaned")
	}
	if err := r.db.SelectContext(ctx, &st.TopReserved, `
select t.id as title_id, t.name, count(r.id)::int as count
from reservations r
    join titles t on t.id = r.title_id
group by t.id, t.name
order by count desc, t.id
limit $1`, top); err != nil {
		return model.Stats{}, mapPgErr(err, "top reserved")
	}
	if err := r.db.GetContext(ctx, &st.TotalLoans, `select count(*)::int from loans`); err != nil {
		return model.Stats{}, mapPgErr(err, "total loans")
	}
	if err := r.db.GetContext(ctx, &st.Patrons, `select count(*)::int from patrons`); err != nil {
		return model.Stats{}, mapPgErr(err, "patrons")
	}
	if err := r.db.SelectContext(ctx, &st.LoansPerDay, `
select (issued_at at time zone 'UTC')::date as day, count(*)::int as count
from loans
group by 1
order by 1`); err != nil {
		return model.Stats{}, mapPgErr(err, "loans per day")
	}
	return st, nil
}
