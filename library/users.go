package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const userColumns = `user_id, display_name, banned`

func getUser(ctx context.Context, q sqlx.QueryerContext, userID string) (User, error) {
	var u User
	err := sqlx.GetContext(ctx, q, &u, `SELECT `+userColumns+` FROM users WHERE user_id=?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

// getOrCreateUser returns the stored user, registering them with displayName
// on first contact.
func getOrCreateUser(ctx context.Context, tx *sqlx.Tx, userID, displayName string) (User, bool, error) {
	u, err := getUser(ctx, tx, userID)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO users(user_id, display_name, banned) VALUES(?,?,0)`, userID, displayName); err != nil {
		return User{}, false, fmt.Errorf("create user %s: %w", userID, err)
	}
	return User{UserID: userID, DisplayName: displayName}, true, nil
}

// setBanned flips the ban flag of a known user. Unknown users are not created.
func setBanned(ctx context.Context, tx *sqlx.Tx, userID string, banned bool) (User, error) {
	res, err := tx.ExecContext(ctx, `UPDATE users SET banned=? WHERE user_id=?`, banned, userID)
	if err != nil {
		return User{}, fmt.Errorf("set banned %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return getUser(ctx, tx, userID)
}

func listUsers(ctx context.Context, q sqlx.QueryerContext) ([]User, error) {
	users := []User{}
	if err := sqlx.SelectContext(ctx, q, &users, `SELECT `+userColumns+` FROM users ORDER BY display_name, user_id`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
