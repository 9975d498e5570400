package db

import (
	"context"
	"database/sql"
	"errors"
)

var (
	// ErrNoCommand is returned when a named command does not exist for a bot.
	ErrNoCommand = errors.New("command not found")
	// ErrCommandExists is returned by CreateCommand on a name collision.
	ErrCommandExists = errors.New("command already exists")
)

// GetCommandText returns the stored reply text for a bot's named command.
func GetCommandText(ctx context.Context, dbx *sql.DB, bot, name string) (string, error) {
	var text string
	err := dbx.QueryRowContext(ctx,
		`SELECT text FROM chat_commands WHERE bot=$1 AND name=$2`, bot, name).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoCommand
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// CreateCommand inserts a new named command; existing names are not overwritten.
func CreateCommand(ctx context.Context, dbx *sql.DB, bot, name, text string) error {
	res, err := dbx.ExecContext(ctx,
		`INSERT INTO chat_commands(bot, name, text) VALUES($1,$2,$3)
		 ON CONFLICT(bot, name) DO NOTHING`, bot, name, text)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCommandExists
	}
	return nil
}

// UpdateCommand replaces the text of an existing named command.
func UpdateCommand(ctx context.Context, dbx *sql.DB, bot, name, text string) error {
	res, err := dbx.ExecContext(ctx,
		`UPDATE chat_commands SET text=$3, updated_at=NOW() WHERE bot=$1 AND name=$2`, bot, name, text)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoCommand
	}
	return nil
}

// DeleteCommand removes a named command.
func DeleteCommand(ctx context.Context, dbx *sql.DB, bot, name string) error {
	res, err := dbx.ExecContext(ctx,
		`DELETE FROM chat_commands WHERE bot=$1 AND name=$2`, bot, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoCommand
	}
	return nil
}

// ListCommands returns name/text pairs for a bot, ordered by name.
func ListCommands(ctx context.Context, dbx *sql.DB, bot string) (map[string]string, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT name, text FROM chat_commands WHERE bot=$1 ORDER BY name`, bot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, text string
		if err := rows.Scan(&name, &text); err != nil {
			return nil, err
		}
		out[name] = text
	}
	return out, rows.Err()
}
