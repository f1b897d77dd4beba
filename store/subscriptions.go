package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CountTarget tracks progress toward a per-item count target.
type CountTarget struct {
	Target int `json:"target"`
	Seen   int `json:"seen"`
}

// Subscription is one user's notification preferences for a room. A user is
// mentioned when an event matches the hint-flag mask, the item-flag mask, a
// free-text term, or crosses a per-item count target.
type Subscription struct {
	Address     string
	UserID      string
	SlotID      int
	HintFlags   int
	ItemFlags   int
	Terms       []string
	ItemTargets map[int64]CountTarget
}

// Subscribe inserts or replaces the subscription row for
// (address, user, slot).
func (s *Store) Subscribe(ctx context.Context, sub Subscription) error {
	terms, err := json.Marshal(sub.Terms)
	if err != nil {
		return fmt.Errorf("encode terms: %w", err)
	}
	if sub.ItemTargets == nil {
		sub.ItemTargets = map[int64]CountTarget{}
	}
	targets, err := json.Marshal(sub.ItemTargets)
	if err != nil {
		return fmt.Errorf("encode item targets: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO subscriptions
		 (address, user_id, slot_id, hint_flags, item_flags, terms, item_targets)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.Address, sub.UserID, sub.SlotID, sub.HintFlags, sub.ItemFlags, string(terms), string(targets),
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// Unsubscribe removes every subscription row for the user in the room.
func (s *Store) Unsubscribe(ctx context.Context, address, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE address = ? AND user_id = ?`, address, userID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// UsersForHintFlags returns the users subscribed to any of the set bits in
// flags for hint events in the room.
func (s *Store) UsersForHintFlags(ctx context.Context, address string, flags int) ([]string, error) {
	return s.usersForFlagColumn(ctx, "hint_flags", address, flags)
}

// UsersForItemFlags returns the users subscribed to any of the set bits in
// flags for item events in the room.
func (s *Store) UsersForItemFlags(ctx context.Context, address string, flags int) ([]string, error) {
	return s.usersForFlagColumn(ctx, "item_flags", address, flags)
}

func (s *Store) usersForFlagColumn(ctx context.Context, column, address string, flags int) ([]string, error) {
	if flags == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM subscriptions WHERE address = ? AND (`+column+` & ?) != 0`,
		address, flags)
	if err != nil {
		return nil, fmt.Errorf("lookup %s subscribers: %w", column, err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

// UsersForTerm returns the users with a free-text term matching text,
// case-insensitively.
func (s *Store) UsersForTerm(ctx context.Context, address, text string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, terms FROM subscriptions WHERE address = ? AND terms != '[]'`, address)
	if err != nil {
		return nil, fmt.Errorf("lookup term subscribers: %w", err)
	}
	defer rows.Close()

	haystack := strings.ToLower(text)
	seen := map[string]struct{}{}
	var out []string
	for rows.Next() {
		var userID, rawTerms string
		if err := rows.Scan(&userID, &rawTerms); err != nil {
			return nil, fmt.Errorf("scan term subscriber: %w", err)
		}
		var terms []string
		if err := json.Unmarshal([]byte(rawTerms), &terms); err != nil {
			continue
		}
		for _, term := range terms {
			if term == "" {
				continue
			}
			if strings.Contains(haystack, strings.ToLower(term)) {
				if _, dup := seen[userID]; !dup {
					seen[userID] = struct{}{}
					out = append(out, userID)
				}
				break
			}
		}
	}
	return out, rows.Err()
}

// UsersForItemCount advances the per-item counters for the room and returns
// the users whose target for itemID was reached by this delivery. Counters
// persist across gateway restarts.
func (s *Store) UsersForItemCount(ctx context.Context, address string, itemID int64, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin item count update: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT user_id, slot_id, item_targets FROM subscriptions
		 WHERE address = ? AND item_targets != '{}'`, address)
	if err != nil {
		return nil, fmt.Errorf("lookup item targets: %w", err)
	}

	type update struct {
		userID  string
		slotID  int
		targets map[int64]CountTarget
	}
	var updates []update
	var hit []string
	key := strconv.FormatInt(itemID, 10)
	for rows.Next() {
		var userID, rawTargets string
		var slotID int
		if err := rows.Scan(&userID, &slotID, &rawTargets); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan item target: %w", err)
		}
		var targets map[string]CountTarget
		if err := json.Unmarshal([]byte(rawTargets), &targets); err != nil {
			continue
		}
		target, ok := targets[key]
		if !ok || target.Seen >= target.Target {
			continue
		}
		target.Seen += count
		targets[key] = target

		decoded := make(map[int64]CountTarget, len(targets))
		for k, v := range targets {
			id, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				continue
			}
			decoded[id] = v
		}
		updates = append(updates, update{userID: userID, slotID: slotID, targets: decoded})
		if target.Seen >= target.Target {
			hit = append(hit, userID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, u := range updates {
		encoded, err := json.Marshal(u.targets)
		if err != nil {
			return nil, fmt.Errorf("encode item targets: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET item_targets = ?
			 WHERE address = ? AND user_id = ? AND slot_id = ?`,
			string(encoded), address, u.userID, u.slotID); err != nil {
			return nil, fmt.Errorf("update item targets: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit item count update: %w", err)
	}
	return hit, nil
}

func scanUsers(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}
