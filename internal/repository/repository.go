// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/atelier/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database, applies the schema and returns a
// repository over it.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var (
		dsn string
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		dsn, err = sqliteDSN(cfg)
	case "postgres":
		dsn = postgresDSN(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", domain.ErrInvalidInput, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s schema: %w", cfg.Driver, err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return nil
}

// SaveClient upserts a client profile. Purchases are stored separately.
func (r *SQLRepository) SaveClient(ctx context.Context, tenantID string, c *domain.Client) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := domain.ValidateMoney("lifetimeSpend", c.LifetimeSpend, true); err != nil {
		return err
	}

	brands, _ := json.Marshal(nonNil(c.PreferredBrands))

	now := time.Now().UTC()
	created := c.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO clients (
			id, tenant_id, name, email, phone, lifetime_spend, client_tier,
			spend_percentile, vip_tier, preferred_brands, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			lifetime_spend = excluded.lifetime_spend,
			client_tier = excluded.client_tier,
			spend_percentile = excluded.spend_percentile,
			vip_tier = excluded.vip_tier,
			preferred_brands = excluded.preferred_brands,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.Name, c.Email, c.Phone, c.LifetimeSpend, int(c.ClientTier),
		c.SpendPercentile, string(c.VIPTier), string(brands), c.Notes,
		created.UTC(), now,
	)
	return err
}

const clientColumns = `
	id, tenant_id, name, email, phone, lifetime_spend, client_tier,
	spend_percentile, vip_tier, preferred_brands, notes, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*domain.Client, error) {
	var c domain.Client
	var email, phone, notes sql.NullString
	var tier int
	var vip, brands string

	if err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &email, &phone, &c.LifetimeSpend, &tier,
		&c.SpendPercentile, &vip, &brands, &notes, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Email = email.String
	c.Phone = phone.String
	c.Notes = notes.String
	c.ClientTier = domain.Tier(tier)
	c.VIPTier = domain.VIPTier(vip)
	if brands != "" {
		json.Unmarshal([]byte(brands), &c.PreferredBrands)
	}
	return &c, nil
}

// GetClient retrieves a client and their purchase history.
func (r *SQLRepository) GetClient(ctx context.Context, tenantID string, clientID string) (*domain.Client, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + clientColumns + ` FROM clients WHERE tenant_id = ? AND id = ?`

	c, err := scanClient(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %s", domain.ErrNotFound, clientID)
	}
	if err != nil {
		return nil, err
	}

	purchases, err := r.listPurchases(ctx, tenantID, `tenant_id = ? AND client_id = ?`, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	for _, p := range purchases {
		c.Purchases = append(c.Purchases, *p)
	}
	return c, nil
}

// ListClients retrieves every client of a tenant with purchase history,
// in creation order.
func (r *SQLRepository) ListClients(ctx context.Context, tenantID string) ([]*domain.Client, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + clientColumns + ` FROM clients WHERE tenant_id = ? ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*domain.Client
	byID := make(map[string]*domain.Client)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	purchases, err := r.listPurchases(ctx, tenantID, `tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	for _, p := range purchases {
		if c, ok := byID[p.ClientID]; ok {
			c.Purchases = append(c.Purchases, *p)
		}
	}

	return clients, nil
}

// SavePurchase stores a purchase. Purchases are immutable.
func (r *SQLRepository) SavePurchase(ctx context.Context, tenantID string, p *domain.Purchase) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	date := p.Date
	if date.IsZero() {
		date = time.Now()
	}

	query := `
		INSERT INTO purchases (id, tenant_id, client_id, brand, watch_model, price, purchased_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, tenantID, p.ClientID, p.Brand, p.WatchModel, p.Price, date.UTC(),
	)
	return err
}

// ListPurchasesSince retrieves a client's purchases made at or after since.
func (r *SQLRepository) ListPurchasesSince(ctx context.Context, tenantID string, clientID string, since time.Time) ([]*domain.Purchase, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.listPurchases(ctx, tenantID,
		`tenant_id = ? AND client_id = ? AND purchased_at >= ?`,
		tenantID, clientID, since.UTC())
}

func (r *SQLRepository) listPurchases(ctx context.Context, tenantID string, where string, args ...any) ([]*domain.Purchase, error) {
	query := `
		SELECT id, client_id, brand, watch_model, price, purchased_at
		FROM purchases
		WHERE ` + where + `
		ORDER BY purchased_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var purchases []*domain.Purchase
	for rows.Next() {
		var p domain.Purchase
		var model sql.NullString
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Brand, &model, &p.Price, &p.Date); err != nil {
			return nil, err
		}
		p.WatchModel = model.String
		purchases = append(purchases, &p)
	}

	return purchases, rows.Err()
}

// SaveWatch upserts a catalog entry.
func (r *SQLRepository) SaveWatch(ctx context.Context, tenantID string, w *domain.WatchModel) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	created := w.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO watch_models (
			id, tenant_id, brand, model, collection, reference, price,
			watch_tier, availability, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			brand = excluded.brand,
			model = excluded.model,
			collection = excluded.collection,
			reference = excluded.reference,
			price = excluded.price,
			watch_tier = excluded.watch_tier,
			availability = excluded.availability,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		w.ID, tenantID, w.Brand, w.Model, w.Collection, w.Reference, w.Price,
		int(w.WatchTier), string(w.Availability), created.UTC(), now,
	)
	return err
}

const watchColumns = `
	id, tenant_id, brand, model, collection, reference, price,
	watch_tier, availability, created_at, updated_at
`

func scanWatch(row rowScanner) (*domain.WatchModel, error) {
	var w domain.WatchModel
	var model, collection, reference sql.NullString
	var tier int
	var availability string

	if err := row.Scan(
		&w.ID, &w.TenantID, &w.Brand, &model, &collection, &reference, &w.Price,
		&tier, &availability, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}

	w.Model = model.String
	w.Collection = collection.String
	w.Reference = reference.String
	w.WatchTier = domain.Tier(tier)
	w.Availability = domain.Availability(availability)
	return &w, nil
}

// GetWatch retrieves a catalog entry.
func (r *SQLRepository) GetWatch(ctx context.Context, tenantID string, watchID string) (*domain.WatchModel, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + watchColumns + ` FROM watch_models WHERE tenant_id = ? AND id = ?`

	w, err := scanWatch(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, watchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: watch %s", domain.ErrNotFound, watchID)
	}
	return w, err
}

// ListWatches retrieves the tenant's catalog.
func (r *SQLRepository) ListWatches(ctx context.Context, tenantID string) ([]*domain.WatchModel, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + watchColumns + ` FROM watch_models WHERE tenant_id = ? ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var watches []*domain.WatchModel
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		watches = append(watches, w)
	}

	return watches, rows.Err()
}

// SaveWaitlistEntry upserts a waitlist entry.
func (r *SQLRepository) SaveWaitlistEntry(ctx context.Context, tenantID string, e *domain.WaitlistEntry) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if e.ID == "" || e.ClientID == "" || e.WatchModelID == "" {
		return fmt.Errorf("%w: waitlist entry needs id, client and watch", domain.ErrInvalidInput)
	}

	added := e.DateAdded
	if added.IsZero() {
		added = time.Now()
	}

	query := `
		INSERT INTO waitlist_entries (id, tenant_id, client_id, watch_model_id, date_added, notes, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			client_id = excluded.client_id,
			watch_model_id = excluded.watch_model_id,
			date_added = excluded.date_added,
			notes = excluded.notes,
			priority = excluded.priority
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, tenantID, e.ClientID, e.WatchModelID, added.UTC(), e.Notes, e.Priority,
	)
	return err
}

// DeleteWaitlistEntry removes one entry.
func (r *SQLRepository) DeleteWaitlistEntry(ctx context.Context, tenantID string, entryID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `DELETE FROM waitlist_entries WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, entryID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: waitlist entry %s", domain.ErrNotFound, entryID)
	}

	return nil
}

// DeleteWaitlistFor removes every entry for a (client, watch) pair.
func (r *SQLRepository) DeleteWaitlistFor(ctx context.Context, tenantID string, clientID string, watchID string) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	query := `DELETE FROM waitlist_entries WHERE tenant_id = ? AND client_id = ? AND watch_model_id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, clientID, watchID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListWaitlist retrieves every waitlist entry of a tenant, oldest first.
func (r *SQLRepository) ListWaitlist(ctx context.Context, tenantID string) ([]*domain.WaitlistEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, client_id, watch_model_id, date_added, notes, priority
		FROM waitlist_entries
		WHERE tenant_id = ?
		ORDER BY date_added, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.WaitlistEntry
	for rows.Next() {
		var e domain.WaitlistEntry
		var notes, priority sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ClientID, &e.WatchModelID, &e.DateAdded, &notes, &priority); err != nil {
			return nil, err
		}
		e.Notes = notes.String
		e.Priority = priority.String
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, weight, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			weight = excluded.weight,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.Weight, rule.Reason, enabled,
		now, now,
	)
	return err
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, weight, reason, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name, updated_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var description, reason sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
			&cfg.Version, &cfg.Expression, &cfg.Weight, &reason, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Reason = reason.String
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// SaveAllocation records a completed allocation.
func (r *SQLRepository) SaveAllocation(ctx context.Context, tenantID string, a *domain.Allocation) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		INSERT INTO allocations (
			id, tenant_id, client_id, watch_model_id, price, allocated_at, category, score, days_waiting
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.ClientID, a.WatchModelID, a.Price, a.Date.UTC(),
		a.Category.String(), a.Score, a.DaysWaiting,
	)
	return err
}

// ListAllocations retrieves allocation history, most recent first.
func (r *SQLRepository) ListAllocations(ctx context.Context, tenantID string) ([]*domain.Allocation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, client_id, watch_model_id, price, allocated_at, category, score, days_waiting
		FROM allocations
		WHERE tenant_id = ?
		ORDER BY allocated_at DESC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []*domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		var category string
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.ClientID, &a.WatchModelID, &a.Price, &a.Date,
			&category, &a.Score, &a.DaysWaiting,
		); err != nil {
			return nil, err
		}
		if cat, err := domain.ParseMatchCategory(category); err == nil {
			a.Category = cat
		}
		allocations = append(allocations, &a)
	}

	return allocations, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
