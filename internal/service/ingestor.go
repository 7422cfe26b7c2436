package service

import (
	"context"
	"fmt"

	"backer-import/internal/importer"
	"backer-import/internal/models"
	"backer-import/internal/store"
	"backer-import/internal/util"

	"go.uber.org/zap"
)

// IngestBatch is a validated set of rows bound for one project
type IngestBatch struct {
	ProjectID int64
	Shop      string
	Platform  models.Platform
	Rows      []importer.Row
}

// Ingestor fans validated rows out into backers, products, pledges, surveys and inventory
type Ingestor struct {
	store  *store.Store
	logger *zap.Logger
}

// NewIngestor creates a new ingestor
func NewIngestor(s *store.Store) *Ingestor {
	return &Ingestor{
		store:  s,
		logger: util.GetLogger(),
	}
}

// Ingest persists the batch in one transaction and returns the number of rows stored.
// Nothing is written if any statement fails.
func (i *Ingestor) Ingest(ctx context.Context, batch IngestBatch) (int, error) {
	ctx, span := util.StartSpan(ctx, "Ingestor.Ingest")
	defer span.End()

	persisted := 0
	err := i.store.WithTx(ctx, func(tx *store.Tx) error {
		persisted = 0

		backers, err := i.upsertBackers(ctx, tx, batch)
		if err != nil {
			return err
		}
		products, err := i.upsertProducts(ctx, tx, batch)
		if err != nil {
			return err
		}
		pledges, err := i.upsertPledges(ctx, tx, batch)
		if err != nil {
			return err
		}

		for _, row := range batch.Rows {
			backerID, okBacker := backers[row.BackerEmail]
			pledgeID, okPledge := pledges[row.RewardID]
			if !okBacker || !okPledge {
				i.logger.Warn("Skipping row with unresolved references",
					zap.Int("line", row.Line),
					zap.String("email", row.BackerEmail),
					zap.String("reward_id", row.RewardID),
				)
				continue
			}

			surveyID, err := tx.UpsertSurvey(ctx, &models.Survey{
				ProjectID:    batch.ProjectID,
				BackerID:     backerID,
				PledgeID:     pledgeID,
				Platform:     batch.Platform,
				BonusSupport: importer.ParseNumber(row.BonusSupport),
				Price:        importer.ParseNumber(row.Price),
				Country:      row.Country,
				Status:       importer.ParseSurveyStatus(row.SurveyStatus),
			})
			if err != nil {
				return err
			}

			// Rows without products keep the survey's current inventory.
			if len(row.Products) > 0 {
				items := make([]models.Inventory, 0, len(row.Products))
				for _, p := range row.Products {
					productID, ok := products[p.Name]
					if !ok {
						continue
					}
					items = append(items, models.Inventory{SurveyID: surveyID, ProductID: productID, Qty: p.Qty})
				}
				if err := tx.ReplaceInventory(ctx, surveyID, items); err != nil {
					return err
				}
			}

			persisted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to ingest rows: %w", err)
	}

	return persisted, nil
}

func (i *Ingestor) upsertBackers(ctx context.Context, tx *store.Tx, batch IngestBatch) (map[string]int64, error) {
	ids := make(map[string]int64)
	for _, row := range batch.Rows {
		if _, seen := ids[row.BackerEmail]; seen {
			continue
		}
		id, err := tx.UpsertBacker(ctx, batch.Shop, row.BackerEmail, row.BackerName)
		if err != nil {
			return nil, err
		}
		ids[row.BackerEmail] = id
	}
	return ids, nil
}

func (i *Ingestor) upsertProducts(ctx context.Context, tx *store.Tx, batch IngestBatch) (map[string]int64, error) {
	ids := make(map[string]int64)
	for _, row := range batch.Rows {
		for _, p := range row.Products {
			if _, seen := ids[p.Name]; seen {
				continue
			}
			id, err := tx.UpsertProduct(ctx, batch.ProjectID, p.Name)
			if err != nil {
				return nil, err
			}
			ids[p.Name] = id
		}
	}
	return ids, nil
}

func (i *Ingestor) upsertPledges(ctx context.Context, tx *store.Tx, batch IngestBatch) (map[string]int64, error) {
	ids := make(map[string]int64)
	for _, row := range batch.Rows {
		if _, seen := ids[row.RewardID]; seen {
			continue
		}
		id, err := tx.UpsertPledge(ctx, batch.ProjectID, row.RewardID, row.PledgeName)
		if err != nil {
			return nil, err
		}
		ids[row.RewardID] = id
	}
	return ids, nil
}
