package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// InsertNewsEvent upserts on the dedup key (source + URL-or-headline-hash),
// satisfying the dedup-idempotence property (spec §8): re-ingesting the
// same event is a no-op and reports so via the bool return.
func (db *DB) InsertNewsEvent(ctx context.Context, e *domain.NewsEvent) (inserted bool, err error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO news_events
			(security_id, time_id, headline, source, url, sentiment_label, sentiment_score,
			 relevance, catalyst_type, observed_impact_pct, source_reliability, dedup_key, impact_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(dedup_key) DO NOTHING`,
		e.SecurityID, e.TimeID, e.Headline, e.Source, e.URL, e.SentimentLabel, e.SentimentScore,
		e.Relevance, e.CatalystType, e.ObservedImpactPct, e.SourceReliability, e.DedupKey)
	if err != nil {
		return false, engineerr.New(engineerr.StoreUnavailable, "store.InsertNewsEvent", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, engineerr.New(engineerr.Internal, "store.InsertNewsEvent", err)
	}
	return affected > 0, nil
}

// RecentNewsForSecurity returns NewsEvents for a security within the given
// lookback, used by the Candidate Reducer's catalyst stage.
func (db *DB) RecentNewsForSecurity(ctx context.Context, securityID domain.SecurityID, sinceUnixTS int64) ([]*domain.NewsEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT n.id, n.security_id, n.time_id, n.headline, n.source, n.url, n.sentiment_label,
		       n.sentiment_score, n.relevance, n.catalyst_type, n.observed_impact_pct,
		       n.source_reliability, n.dedup_key, n.impact_attempts
		FROM news_events n
		JOIN time_points t ON t.id = n.time_id
		WHERE n.security_id = ? AND CAST(strftime('%s', t.timestamp) AS INTEGER) >= ?
		ORDER BY t.timestamp DESC`, securityID, sinceUnixTS)
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.RecentNewsForSecurity", err)
	}
	defer rows.Close()

	var out []*domain.NewsEvent
	for rows.Next() {
		e, err := scanNewsRow(rows)
		if err != nil {
			return nil, engineerr.New(engineerr.StoreUnavailable, "store.RecentNewsForSecurity", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UnprocessedImpactBatch returns up to limit NewsEvents still missing
// observed price impact, whose attempt counter is below maxAttempts and
// whose event-time is at least olderThan in the past (spec.md §4.4: the
// impact loop only considers events whose minimum-delay window has
// elapsed).
func (db *DB) UnprocessedImpactBatch(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]*domain.NewsEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT n.id, n.security_id, n.time_id, n.headline, n.source, n.url, n.sentiment_label,
		       n.sentiment_score, n.relevance, n.catalyst_type, n.observed_impact_pct,
		       n.source_reliability, n.dedup_key, n.impact_attempts
		FROM news_events n
		JOIN time_points t ON t.id = n.time_id
		WHERE n.observed_impact_pct IS NULL AND n.impact_attempts < ? AND t.timestamp <= ?
		ORDER BY n.time_id ASC
		LIMIT ?`, maxAttempts, olderThan.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.UnprocessedImpactBatch", err)
	}
	defer rows.Close()

	var out []*domain.NewsEvent
	for rows.Next() {
		e, err := scanNewsRow(rows)
		if err != nil {
			return nil, engineerr.New(engineerr.StoreUnavailable, "store.UnprocessedImpactBatch", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateObservedImpact writes the computed price-impact percentage.
func (db *DB) UpdateObservedImpact(ctx context.Context, newsID int64, impactPct float64) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE news_events SET observed_impact_pct = ? WHERE id = ?`, impactPct, newsID)
	if err != nil {
		return engineerr.New(engineerr.StoreUnavailable, "store.UpdateObservedImpact", err)
	}
	return nil
}

// IncrementImpactAttempt bumps the retry counter for a row that failed
// price lookup on this pass.
func (db *DB) IncrementImpactAttempt(ctx context.Context, newsID int64) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE news_events SET impact_attempts = impact_attempts + 1 WHERE id = ?`, newsID)
	if err != nil {
		return engineerr.New(engineerr.StoreUnavailable, "store.IncrementImpactAttempt", err)
	}
	return nil
}

func scanNewsRow(rows *sql.Rows) (*domain.NewsEvent, error) {
	var e domain.NewsEvent
	var impact sql.NullFloat64
	if err := rows.Scan(&e.ID, &e.SecurityID, &e.TimeID, &e.Headline, &e.Source, &e.URL,
		&e.SentimentLabel, &e.SentimentScore, &e.Relevance, &e.CatalystType, &impact,
		&e.SourceReliability, &e.DedupKey, &e.ImpactAttempts); err != nil {
		return nil, err
	}
	if impact.Valid {
		v := impact.Float64
		e.ObservedImpactPct = &v
	}
	return &e, nil
}
