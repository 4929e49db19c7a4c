package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/geolink/internal/links"
)

// Store implements links.LinkStore, links.ClickStore and links.EvaluationStore.
type Store struct {
	db DB
}

// NewStore wraps an existing pool.
func NewStore(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// GetLink loads the routing view of a link.
func (s *Store) GetLink(ctx context.Context, linkID string) (links.Link, error) {
	const query = `SELECT account_id, destinations FROM links WHERE id = $1`
	var (
		link         = links.Link{ID: linkID}
		destinations []byte
	)
	err := s.db.QueryRow(ctx, query, linkID).Scan(&link.AccountID, &destinations)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return links.Link{}, fmt.Errorf("link %s: %w", linkID, links.ErrNotFound)
		}
		return links.Link{}, fmt.Errorf("get link: %w", err)
	}
	if err := json.Unmarshal(destinations, &link.Destinations); err != nil {
		return links.Link{}, fmt.Errorf("decode destinations for link %s: %w", linkID, err)
	}
	return link, nil
}

// AppendClick inserts one click row.
func (s *Store) AppendClick(ctx context.Context, event links.ClickEvent) error {
	const query = `
INSERT INTO link_clicks (link_id, account_id, country, destination, latitude, longitude, clicked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	var country *string
	if event.Country != "" {
		country = &event.Country
	}
	_, err := s.db.Exec(ctx, query,
		event.LinkID,
		event.AccountID,
		country,
		event.Destination,
		event.Latitude,
		event.Longitude,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	return nil
}

// InsertEvaluation writes an evaluation once; repeated ids are ignored.
func (s *Store) InsertEvaluation(ctx context.Context, evaluation links.Evaluation) error {
	if evaluation.ID == "" {
		return fmt.Errorf("evaluation id is required: %w", links.ErrInvalidInput)
	}
	const query = `
INSERT INTO destination_evaluations (
	id,
	link_id,
	account_id,
	destination_url,
	status,
	reason,
	html_path,
	body_text_path,
	screenshot_path,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (id) DO NOTHING`
	_, err := s.db.Exec(ctx, query,
		evaluation.ID,
		evaluation.LinkID,
		evaluation.AccountID,
		evaluation.DestinationURL,
		evaluation.Status,
		evaluation.Reason,
		evaluation.HTMLPath,
		evaluation.BodyTextPath,
		evaluation.ScreenshotPath,
		evaluation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}
