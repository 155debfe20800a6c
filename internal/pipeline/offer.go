package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrOfferNotFound is returned when a job references a missing offer.
var ErrOfferNotFound = errors.New("offer not found")

// Offer is the parent record a rendered PDF is attached to.
type Offer struct {
	OfferID   string    `db:"offer_id"`
	UserID    string    `db:"user_id"`
	Title     string    `db:"title"`
	PDFURL    *string   `db:"pdf_url"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// GetOffer retrieves an offer by id.
func (s *Store) GetOffer(ctx context.Context, offerID string) (*Offer, error) {
	var offer Offer
	query := `
		SELECT offer_id, user_id, title, pdf_url, created_at, updated_at
		FROM offers
		WHERE offer_id = $1
	`

	err := s.db.GetContext(ctx, &offer, query, offerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return &offer, nil
}
