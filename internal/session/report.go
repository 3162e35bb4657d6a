package session

import (
	"context"
	"fmt"
)

// GetPrivacyReport describes how the session is protected. Placeholder
// counts are read back from the stored text, so they cover every write the
// session has seen.
func (s *Store) GetPrivacyReport(ctx context.Context, id string) (*PrivacyReport, error) {
	release, err := s.locks.acquire(ctx, id, readerWeight)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.loadVisible(ctx, id)
	if err != nil {
		return nil, err
	}

	counts := placeholderCounts(sess)
	byCategory := make(map[string]int, len(counts))
	for c, n := range counts {
		byCategory[string(c)] = n
	}
	outstanding := 0
	for _, f := range sess.TempFiles {
		ok, err := s.blobs.Exists(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("privacy report %s: %w", id, err)
		}
		if ok {
			outstanding++
		}
	}

	return &PrivacyReport{
		SessionID: sess.ID,
		Status:    sess.Status,
		// The record was just authenticated and opened from the backend,
		// which only ever receives sealed values.
		DataEncrypted:        true,
		PIIAnonymized:        counts.Total() > 0,
		AnonymizedByCategory: byCategory,
		AnonymizedTotal:      counts.Total(),
		TotalTurns:           len(sess.Turns),
		TempFilesTracked:     len(sess.TempFiles),
		TempFilesOutstanding: outstanding,
		SessionDuration:      sess.LastActivityAt.Sub(sess.CreatedAt),
		KeyFingerprint:       s.secure.KeyFingerprint(),
	}, nil
}
