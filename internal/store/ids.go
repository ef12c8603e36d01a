// ABOUTME: Message and thread identifier allocation
// ABOUTME: TYPE-NNN per-type sequences and <parent>.<n> branch sub-ids share id_sequences

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/coven-courier/internal/storage"
)

// nextSequence bumps and returns the counter for scope. It must run inside
// the creating transaction so a rollback returns the number.
func nextSequence(ctx context.Context, q storage.Querier, scope string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO id_sequences (scope, next) VALUES (?, 1)
		ON CONFLICT(scope) DO UPDATE SET next = next + 1
		RETURNING next
	`, scope).Scan(&n)
	if err != nil {
		return 0, storage.Wrap(err, scope, "allocating id")
	}
	return n, nil
}

// allocateID returns the next TYPE-NNN id, or <branchOf>.<n> for a branch.
func allocateID(ctx context.Context, q storage.Querier, t Type, branchOf string) (string, error) {
	if branchOf != "" {
		n, err := nextSequence(ctx, q, "branch:"+branchOf)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.%d", branchOf, n), nil
	}
	n, err := nextSequence(ctx, q, "type:"+t.Prefix())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%03d", t.Prefix(), n), nil
}

// newThreadID returns a fresh thread identifier.
func newThreadID() string {
	return "thread-" + uuid.New().String()
}
