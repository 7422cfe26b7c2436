package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"backer-import/internal/models"

	"github.com/jmoiron/sqlx"
)

// Tx is the write scope for ingesting one chunk
type Tx struct {
	tx  *sqlx.Tx
	now time.Time
}

// UpsertBacker inserts a backer keyed by (shop, email) or updates its name
func (t *Tx) UpsertBacker(ctx context.Context, shop, email, name string) (int64, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id, t.tx.Rebind(`
		INSERT INTO backers (shop, email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (shop, email) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
		RETURNING id`),
		shop, email, name, t.now, t.now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert backer %s: %w", email, mapError(err))
	}
	return id, nil
}

// UpsertProduct returns the id of the product named name, creating it if absent.
// An existing product is left unchanged.
func (t *Tx) UpsertProduct(ctx context.Context, projectID int64, name string) (int64, error) {
	var id int64
	// The no-op update lets RETURNING yield the existing row.
	err := t.tx.GetContext(ctx, &id, t.tx.Rebind(`
		INSERT INTO products (project_id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (project_id, name) DO UPDATE SET name = excluded.name
		RETURNING id`),
		projectID, name, t.now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert product %s: %w", name, mapError(err))
	}
	return id, nil
}

// UpsertPledge inserts a pledge keyed by (project, reward id) or updates its name
func (t *Tx) UpsertPledge(ctx context.Context, projectID int64, pledgeID, name string) (int64, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id, t.tx.Rebind(`
		INSERT INTO pledges (project_id, pledge_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, pledge_id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
		RETURNING id`),
		projectID, pledgeID, name, t.now, t.now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert pledge %s: %w", pledgeID, mapError(err))
	}
	return id, nil
}

// UpsertSurvey inserts a survey keyed by (project, backer) or replaces its facts
func (t *Tx) UpsertSurvey(ctx context.Context, survey *models.Survey) (int64, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id, t.tx.Rebind(`
		INSERT INTO surveys (project_id, backer_id, pledge_id, platform, bonus_support, price, country, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, backer_id) DO UPDATE SET
			pledge_id = excluded.pledge_id,
			platform = excluded.platform,
			bonus_support = excluded.bonus_support,
			price = excluded.price,
			country = excluded.country,
			status = excluded.status,
			updated_at = excluded.updated_at
		RETURNING id`),
		survey.ProjectID, survey.BackerID, survey.PledgeID, string(survey.Platform),
		survey.BonusSupport, survey.Price, survey.Country, string(survey.Status), t.now, t.now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert survey for backer %d: %w", survey.BackerID, mapError(err))
	}
	survey.ID = id
	return id, nil
}

// ReplaceInventory deletes a survey's inventory and inserts items in its place.
// Repeated products keep their first quantity.
func (t *Tx) ReplaceInventory(ctx context.Context, surveyID int64, items []models.Inventory) error {
	if _, err := t.tx.ExecContext(ctx, t.tx.Rebind("DELETE FROM inventory WHERE survey_id = ?"), surveyID); err != nil {
		return fmt.Errorf("failed to clear inventory for survey %d: %w", surveyID, mapError(err))
	}

	seen := make(map[int64]bool, len(items))
	values := make([]string, 0, len(items))
	args := make([]interface{}, 0, len(items)*3)
	for _, item := range items {
		if seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true
		values = append(values, "(?, ?, ?)")
		args = append(args, surveyID, item.ProductID, item.Qty)
	}
	if len(values) == 0 {
		return nil
	}

	query := "INSERT INTO inventory (survey_id, product_id, qty) VALUES " +
		strings.Join(values, ", ") +
		" ON CONFLICT (survey_id, product_id) DO NOTHING"
	if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to insert inventory for survey %d: %w", surveyID, mapError(err))
	}
	return nil
}

// GetBacker retrieves a backer by its shop-scoped email
func (s *Store) GetBacker(ctx context.Context, shop, email string) (*models.Backer, error) {
	var backer models.Backer
	err := s.db.GetContext(ctx, &backer, s.db.Rebind("SELECT * FROM backers WHERE shop = ? AND email = ?"), shop, email)
	if err != nil {
		return nil, fmt.Errorf("backer %s: %w", email, mapError(err))
	}
	return &backer, nil
}

// ListPledges returns the pledges of a project
func (s *Store) ListPledges(ctx context.Context, projectID int64) ([]models.Pledge, error) {
	pledges := []models.Pledge{}
	err := s.db.SelectContext(ctx, &pledges, s.db.Rebind("SELECT * FROM pledges WHERE project_id = ? ORDER BY id"), projectID)
	return pledges, err
}

// ListProducts returns the products of a project
func (s *Store) ListProducts(ctx context.Context, projectID int64) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products, s.db.Rebind("SELECT * FROM products WHERE project_id = ? ORDER BY id"), projectID)
	return products, err
}

// ListSurveys returns the surveys of a project
func (s *Store) ListSurveys(ctx context.Context, projectID int64) ([]models.Survey, error) {
	surveys := []models.Survey{}
	err := s.db.SelectContext(ctx, &surveys, s.db.Rebind("SELECT * FROM surveys WHERE project_id = ? ORDER BY id"), projectID)
	return surveys, err
}

// ListInventory returns the line items of a survey
func (s *Store) ListInventory(ctx context.Context, surveyID int64) ([]models.Inventory, error) {
	items := []models.Inventory{}
	err := s.db.SelectContext(ctx, &items, s.db.Rebind("SELECT * FROM inventory WHERE survey_id = ? ORDER BY product_id"), surveyID)
	return items, err
}
