package endcat

import (
	"context"
	"fmt"

	"endcat-go/internal/model"
)

// GetHistory returns the most recent persisted operations, newest first.
func (s *EndcatService) GetHistory(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	ops, err := s.database.ListSyncOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}
