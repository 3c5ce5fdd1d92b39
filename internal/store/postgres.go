package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agrolink/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Prices and quantities are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const listingColumns = `id, owner_id, title, description,
	price::TEXT, quantity::TEXT, unit, category, location, region,
	kind, status, approved, available, priority, quality_grade,
	harvest_date, expiry_date, accepted_by,
	view_count, interest_count, created_at, updated_at`

const interestColumns = `id, listing_id, user_id, message,
	offer_price::TEXT, offer_quantity::TEXT, counter_price::TEXT, counter_quantity::TEXT,
	status, admin_requested, created_at, updated_at`

// uniquePendingIndex backs the one-pending-interest-per-user rule.
const uniquePendingIndex = "interests_one_pending_per_user"

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *PostgresStore) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	return getListing(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, int, error) {
	where, args := listingWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM listings`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count listings: %w", err)
	}

	query := `SELECT ` + listingColumns + ` FROM listings` + where + listingOrder(f)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list listings: %w", err)
	}
	listings, err := pgx.CollectRows(rows, scanListing)
	if err != nil {
		return nil, 0, fmt.Errorf("list listings: %w", err)
	}

	if err := attachImages(ctx, s.pool, listings); err != nil {
		return nil, 0, err
	}
	return listings, total, nil
}

// ViewListing increments view_count and reads the row back from the same
// UPDATE. The row lock it takes also keeps the image read consistent.
func (s *PostgresStore) ViewListing(ctx context.Context, id int64) (*model.Listing, error) {
	var out *model.Listing
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE listings SET view_count = view_count + 1 WHERE id = $1 RETURNING `+listingColumns, id)
		if err != nil {
			return fmt.Errorf("view listing %d: %w", id, err)
		}
		l, err := pgx.CollectExactlyOneRow(rows, scanListing)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("listing %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("view listing %d: %w", id, err)
		}
		one := []model.Listing{l}
		if err := attachImages(ctx, tx, one); err != nil {
			return err
		}
		out = &one[0]
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetInterest(ctx context.Context, id int64) (*model.Interest, error) {
	return getInterest(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListInterests(ctx context.Context, f InterestFilter) ([]model.Interest, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ListingID != 0 {
		add("i.listing_id = $%d", f.ListingID)
	}
	if f.UserID != "" {
		add("i.user_id = $%d", f.UserID)
	}
	if f.OwnerID != "" {
		add("l.owner_id = $%d", f.OwnerID)
	}
	if f.Status != nil {
		add("i.status = $%d", string(*f.Status))
	}
	if f.AdminRequestedOnly {
		conds = append(conds, "i.admin_requested")
	}

	query := `SELECT ` + prefixColumns("i.", interestColumns) +
		` FROM interests i JOIN listings l ON l.id = i.listing_id`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY i.created_at DESC, i.id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interests: %w", err)
	}
	return pgx.CollectRows(rows, scanInterest)
}

func (s *PostgresStore) AdminStats(ctx context.Context) (*model.AdminStats, error) {
	st := &model.AdminStats{CategoryDistribution: make(map[string]int64)}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE NOT approved),
		        COUNT(*) FILTER (WHERE status = 'active')
		 FROM listings`).
		Scan(&st.TotalListings, &st.PendingApprovals, &st.ActiveListings)
	if err != nil {
		return nil, fmt.Errorf("listing stats: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'pending') FROM interests`).
		Scan(&st.TotalInterests, &st.PendingInterests)
	if err != nil {
		return nil, fmt.Errorf("interest stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT category, COUNT(*) FROM listings GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("category stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		st.CategoryDistribution[cat] = n
	}
	return st, rows.Err()
}

func (s *PostgresStore) UserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	st := &model.UserStats{UserID: userID}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'active')
		 FROM listings WHERE owner_id = $1`, userID).
		Scan(&st.Listings, &st.ActiveListings)
	if err != nil {
		return nil, fmt.Errorf("user listing stats: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'accepted'),
		        COUNT(*) FILTER (WHERE status = 'pending')
		 FROM interests WHERE user_id = $1`, userID).
		Scan(&st.Interests, &st.AcceptedInterests, &st.PendingInterests)
	if err != nil {
		return nil, fmt.Errorf("user interest stats: %w", err)
	}
	return st, nil
}

// pgTx implements Tx on a pgx transaction. Row locks are taken with
// SELECT ... FOR UPDATE; state writes are compare-and-set.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateListing(ctx context.Context, l *model.Listing) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO listings (owner_id, title, description, price, quantity, unit,
		                       category, location, region, kind, status, approved, available,
		                       priority, quality_grade, harvest_date, expiry_date, accepted_by,
		                       view_count, interest_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12, $13,
		         $14, $15, $16, $17, $18, 0, 0, $19, $20)
		 RETURNING id`,
		l.OwnerID, l.Title, l.Description, decText(l.Price), decText(l.Quantity), l.Unit,
		l.Category, l.Location, l.Region, string(l.Kind), string(l.Status), l.Approved, l.Available,
		string(l.Priority), l.QualityGrade, l.HarvestDate, l.ExpiryDate, l.AcceptedBy,
		l.CreatedAt, l.UpdatedAt,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return insertImages(ctx, t.tx, l.ID, l.ImageRefs())
}

func (t *pgTx) LockListing(ctx context.Context, id int64) (*model.Listing, error) {
	return getListing(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateListingFields(ctx context.Context, id int64, p model.ListingPatch) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Description != nil {
		set("description", *p.Description)
	}
	if p.Price != nil {
		set("price", p.Price.String())
	}
	if p.Quantity != nil {
		set("quantity", p.Quantity.String())
	}
	if p.Unit != nil {
		set("unit", *p.Unit)
	}
	if p.Category != nil {
		set("category", *p.Category)
	}
	if p.Location != nil {
		set("location", *p.Location)
	}
	if p.Region != nil {
		set("region", *p.Region)
	}
	if p.Kind != nil {
		set("kind", string(*p.Kind))
	}
	if p.Priority != nil {
		set("priority", string(*p.Priority))
	}
	if p.QualityGrade != nil {
		set("quality_grade", *p.QualityGrade)
	}
	if p.HarvestDate != nil {
		set("harvest_date", *p.HarvestDate)
	}
	if p.ExpiryDate != nil {
		set("expiry_date", *p.ExpiryDate)
	}
	if p.Approved != nil {
		set("approved", *p.Approved)
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	set("updated_at", updatedAt)

	args = append(args, id)
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE listings SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update listing %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpdateListingState(ctx context.Context, id int64, from []model.ListingStatus, c model.ListingStateChange) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE listings
		 SET status      = $2,
		     approved    = COALESCE($3, approved),
		     available   = COALESCE($4, available),
		     accepted_by = COALESCE($5, accepted_by),
		     updated_at  = $6
		 WHERE id = $1 AND status = ANY($7)`,
		id, string(c.Status), c.Approved, c.Available, c.AcceptedBy, c.UpdatedAt, statusStrings(from))
	if err != nil {
		return fmt.Errorf("update listing %d state: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %d: %w", id, ErrStaleState)
	}
	return nil
}

func (t *pgTx) ReplaceImages(ctx context.Context, id int64, refs []string) ([]string, error) {
	rows, err := t.tx.Query(ctx,
		`DELETE FROM listing_images WHERE listing_id = $1 RETURNING ref`, id)
	if err != nil {
		return nil, fmt.Errorf("delete images of listing %d: %w", id, err)
	}
	old, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if err := insertImages(ctx, t.tx, id, refs); err != nil {
		return nil, err
	}
	return old, nil
}

func (t *pgTx) DeleteListing(ctx context.Context, id int64) ([]string, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT ref FROM listing_images WHERE listing_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("images of listing %d: %w", id, err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	// listing_images and interests cascade via foreign keys.
	tag, err := t.tx.Exec(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete listing %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	return refs, nil
}

func (t *pgTx) IncrementInterestCount(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx,
		`UPDATE listings SET interest_count = interest_count + 1 WHERE id = $1 RETURNING interest_count`, id).
		Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	return n, err
}

func (t *pgTx) LockInterest(ctx context.Context, id int64) (*model.Interest, error) {
	return getInterest(ctx, t.tx, id, true)
}

func (t *pgTx) InsertInterest(ctx context.Context, in *model.Interest) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO interests (listing_id, user_id, message, offer_price, offer_quantity,
		                        counter_price, counter_quantity, status, admin_requested,
		                        created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)
		 RETURNING id`,
		in.ListingID, in.UserID, in.Message,
		decText(in.OfferPrice), decText(in.OfferQuantity),
		decText(in.CounterPrice), decText(in.CounterQuantity),
		string(in.Status), in.AdminRequested, in.CreatedAt, in.UpdatedAt,
	).Scan(&in.ID)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && pgErr.ConstraintName == uniquePendingIndex:
			return ErrDuplicatePending
		case pgErr.Code == "23503":
			return fmt.Errorf("listing %d: %w", in.ListingID, ErrNotFound)
		}
	}
	if err != nil {
		return fmt.Errorf("insert interest: %w", err)
	}
	return nil
}

func (t *pgTx) TransitionInterest(ctx context.Context, id int64, from []model.InterestStatus, tr model.InterestTransition) error {
	froms := make([]string, 0, len(from))
	for _, s := range from {
		froms = append(froms, string(s))
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE interests
		 SET status           = $2,
		     counter_price    = COALESCE($3::NUMERIC, counter_price),
		     counter_quantity = COALESCE($4::NUMERIC, counter_quantity),
		     updated_at       = $5
		 WHERE id = $1 AND status = ANY($6)`,
		id, string(tr.Status), decText(tr.CounterPrice), decText(tr.CounterQuantity), tr.UpdatedAt, froms)
	if err != nil {
		return fmt.Errorf("transition interest %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("interest %d: %w", id, ErrStaleState)
	}
	return nil
}

// --- query helpers ---

func getListing(ctx context.Context, q queryer, id int64, forUpdate bool) (*model.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	l, err := pgx.CollectExactlyOneRow(rows, scanListing)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}

	one := []model.Listing{l}
	if err := attachImages(ctx, q, one); err != nil {
		return nil, err
	}
	return &one[0], nil
}

func getInterest(ctx context.Context, q queryer, id int64, forUpdate bool) (*model.Interest, error) {
	query := `SELECT ` + interestColumns + ` FROM interests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get interest %d: %w", id, err)
	}
	in, err := pgx.CollectExactlyOneRow(rows, scanInterest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("interest %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get interest %d: %w", id, err)
	}
	return &in, nil
}

func attachImages(ctx context.Context, q queryer, listings []model.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(listings))
	index := make(map[int64]int, len(listings))
	for i := range listings {
		ids = append(ids, listings[i].ID)
		index[listings[i].ID] = i
		listings[i].Images = []model.Image{}
	}

	rows, err := q.Query(ctx,
		`SELECT listing_id, position, ref FROM listing_images
		 WHERE listing_id = ANY($1) ORDER BY listing_id, position`, ids)
	if err != nil {
		return fmt.Errorf("load images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var listingID int64
		var img model.Image
		if err := rows.Scan(&listingID, &img.Position, &img.Ref); err != nil {
			return err
		}
		i := index[listingID]
		listings[i].Images = append(listings[i].Images, img)
	}
	return rows.Err()
}

func insertImages(ctx context.Context, q queryer, listingID int64, refs []string) error {
	for i, ref := range refs {
		if _, err := q.Exec(ctx,
			`INSERT INTO listing_images (listing_id, position, ref) VALUES ($1, $2, $3)`,
			listingID, i, ref); err != nil {
			return fmt.Errorf("insert image %d of listing %d: %w", i, listingID, err)
		}
	}
	return nil
}

func listingWhere(f ListingFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Region != "" {
		add("region = $%d", f.Region)
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.Kind != nil {
		add("kind = $%d", string(*f.Kind))
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.Priority != nil {
		add("priority = $%d", string(*f.Priority))
	}
	if f.ApprovedOnly {
		conds = append(conds, "approved")
	}
	if f.MinPrice != nil {
		add("price >= $%d::NUMERIC", f.MinPrice.String())
	}
	if f.MaxPrice != nil {
		add("price <= $%d::NUMERIC", f.MaxPrice.String())
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func sortExpr(field SortField) string {
	switch field {
	case SortPrice:
		return "price"
	case SortViewCount:
		return "view_count"
	case SortInterestCount:
		return "interest_count"
	case SortPriority:
		return "CASE priority WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END"
	case SortUpdatedAt:
		return "updated_at"
	}
	return "created_at"
}

func listingOrder(f ListingFilter) string {
	dir := "DESC NULLS LAST"
	idDir := "DESC"
	if f.Ascending {
		dir = "ASC NULLS FIRST"
		idDir = "ASC"
	}
	order := " ORDER BY " + sortExpr(f.Sort) + " " + dir
	if f.SecondarySort != "" {
		order += ", " + sortExpr(f.SecondarySort) + " " + dir
	}
	return order + ", id " + idDir
}

func scanListing(row pgx.CollectableRow) (model.Listing, error) {
	var l model.Listing
	var price, qty *string
	var kind, status, priority string

	err := row.Scan(&l.ID, &l.OwnerID, &l.Title, &l.Description,
		&price, &qty, &l.Unit, &l.Category, &l.Location, &l.Region,
		&kind, &status, &l.Approved, &l.Available, &priority, &l.QualityGrade,
		&l.HarvestDate, &l.ExpiryDate, &l.AcceptedBy,
		&l.ViewCount, &l.InterestCount, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return l, err
	}

	l.Price = parseDec(price)
	l.Quantity = parseDec(qty)
	l.Kind = model.ListingKind(kind)
	l.Status = model.ListingStatus(status)
	l.Priority = model.Priority(priority)
	return l, nil
}

func scanInterest(row pgx.CollectableRow) (model.Interest, error) {
	var in model.Interest
	var offerPrice, offerQty, counterPrice, counterQty *string
	var status string

	err := row.Scan(&in.ID, &in.ListingID, &in.UserID, &in.Message,
		&offerPrice, &offerQty, &counterPrice, &counterQty,
		&status, &in.AdminRequested, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return in, err
	}

	in.OfferPrice = parseDec(offerPrice)
	in.OfferQuantity = parseDec(offerQty)
	in.CounterPrice = parseDec(counterPrice)
	in.CounterQuantity = parseDec(counterQty)
	in.Status = model.InterestStatus(status)
	return in, nil
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func statusStrings(from []model.ListingStatus) []string {
	out := make([]string, 0, len(from))
	for _, s := range from {
		out = append(out, string(s))
	}
	return out
}

// decText renders an optional decimal for a $n::NUMERIC parameter.
func decText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDec(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
