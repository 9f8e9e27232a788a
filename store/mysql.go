package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"chatrelay/wire"
)

const (
	listMessagesSQL = "SELECT m.id, m.content, m.create_time, m.author_id, u.name " +
		"FROM messages AS m, users AS u " +
		"WHERE m.channel_id = ? AND m.author_id = u.id " +
		"ORDER BY m.seq ASC"
	lockSeqSQL       = "SELECT seq FROM channel_seq WHERE channel_id = ? FOR UPDATE"
	insertSeqSQL     = "INSERT INTO channel_seq (channel_id, seq) VALUES (?, 0)"
	incSeqSQL        = "UPDATE channel_seq SET seq = seq + 1 WHERE channel_id = ? AND seq = ?"
	insertMessageSQL = "INSERT INTO messages (id, channel_id, author_id, seq, content, create_time) VALUES (?,?,?,?,?,?)"
	clearMessagesSQL = "DELETE FROM messages WHERE channel_id = ?"

	getUserSQL       = "SELECT id, name FROM users WHERE id = ?"
	getUserByNameSQL = "SELECT id, name FROM users WHERE name = ?"
	insertUserSQL    = "INSERT INTO users (id, name, create_time) VALUES (?,?,?)"
	getChannelSQL    = "SELECT id, title FROM channels WHERE id = ?"
	insertChannelSQL = "INSERT INTO channels (id, title, create_time) VALUES (?,?,?)"

	// Locking variants for the dup-key recovery path: a plain re-read inside
	// the same tx reuses its snapshot and misses the winner's committed row.
	lockUserByNameSQL = "SELECT id, name FROM users WHERE name = ? FOR UPDATE"
	lockChannelSQL    = "SELECT id, title FROM channels WHERE id = ? FOR UPDATE"
)

// mysqlStore implements `Store` on MySQL. See dev/schema.sql.
type mysqlStore struct {
	*sql.DB
}

func NewMySQL(db *sql.DB) Store {
	return &mysqlStore{db}
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *mysqlStore) ListMessages(ctx context.Context, channelID string) ([]wire.Message, error) {
	out := []wire.Message{}
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, listMessagesSQL, channelID)
		if err != nil {
			glog.Errorf("list messages query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m wire.Message
			if err := rows.Scan(&m.ID, &m.Content, &m.CreatedAt, &m.Author.ID, &m.Author.Name); err != nil {
				glog.Errorf("list messages scan err: %v", err)
				return err
			}
			m.ChannelID = channelID
			out = append(out, m)
		}
		return rows.Err()
	}, &sql.TxOptions{ReadOnly: true}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mysqlStore) CreateMessage(ctx context.Context, content, authorID, channelID string) (*wire.Message, error) {
	if content == "" {
		return nil, newValidationError("content", "must not be empty")
	}

	msg := &wire.Message{
		ID:        newID(),
		Content:   content,
		ChannelID: channelID,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, getUserSQL, authorID)
		if err := row.Scan(&msg.Author.ID, &msg.Author.Name); err != nil {
			if err == sql.ErrNoRows {
				return newValidationError("author_id", "unknown user")
			}
			return err
		}

		seq, err := s.incSeq(ctx, tx, channelID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, insertMessageSQL,
			msg.ID, channelID, authorID, seq, content, msg.CreatedAt); err != nil {
			if isFKError(err) {
				return newValidationError("channel_id", "unknown channel")
			}
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return nil, err
	}

	return msg, nil
}

// incSeq locks and bumps the per-channel sequence row, inserting it on
// first use. Concurrent sends serialize on this row, so seqs are distinct
// and gapless.
func (s *mysqlStore) incSeq(ctx context.Context, tx *sql.Tx, channelID string) (int64, error) {
	var seq sql.NullInt64

	row := tx.QueryRowContext(ctx, lockSeqSQL, channelID)
	if err := row.Scan(&seq); err != nil {
		if err != sql.ErrNoRows {
			glog.Errorf("lock seq scan err: %v", err)
			return -1, err
		}

		if _, err := tx.ExecContext(ctx, insertSeqSQL, channelID); err != nil {
			if IsDupKeyError(err) {
				// Lost the insert race: lock the winner's row.
				row := tx.QueryRowContext(ctx, lockSeqSQL, channelID)
				if err := row.Scan(&seq); err != nil {
					return -1, err
				}
			} else {
				glog.Errorf("insert seq err: %v", err)
				return -1, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, incSeqSQL, channelID, seq.Int64); err != nil {
		glog.Errorf("update seq exec err: %v", err)
		return -1, err
	}
	return seq.Int64 + 1, nil
}

func (s *mysqlStore) ClearMessages(ctx context.Context, channelID string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, clearMessagesSQL, channelID)
		if err != nil {
			glog.Errorf("clear messages exec err: %v", err)
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			glog.V(5).Infof("cleared %d messages, channel: %s", n, channelID)
		}
		return nil
	})
}

func (s *mysqlStore) EnsureUser(ctx context.Context, name string) (*wire.User, error) {
	if strings.TrimSpace(name) == "" {
		return nil, newValidationError("name", "must not be empty")
	}

	var u wire.User
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, getUserByNameSQL, name)
		err := row.Scan(&u.ID, &u.Name)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		u = wire.User{ID: newID(), Name: name}
		if _, err := tx.ExecContext(ctx, insertUserSQL, u.ID, name, time.Now().UTC()); err != nil {
			// Lost the race against a concurrent login with the same name:
			// adopt the winner's identity via a locking read.
			if IsDupKeyError(err) {
				row := tx.QueryRowContext(ctx, lockUserByNameSQL, name)
				return row.Scan(&u.ID, &u.Name)
			}
			glog.Errorf("insert user err: %v", err)
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *mysqlStore) GetUser(ctx context.Context, id string) (*wire.User, error) {
	var u wire.User
	row := s.QueryRowContext(ctx, getUserSQL, id)
	if err := row.Scan(&u.ID, &u.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, newValidationError("id", "unknown user")
		}
		return nil, err
	}
	return &u, nil
}

func (s *mysqlStore) EnsureChannel(ctx context.Context, id, title string) (*Channel, error) {
	if id == "" {
		return nil, newValidationError("id", "must not be empty")
	}

	var c Channel
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, getChannelSQL, id)
		err := row.Scan(&c.ID, &c.Title)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		c = Channel{ID: id, Title: title}
		if _, err := tx.ExecContext(ctx, insertChannelSQL, id, title, time.Now().UTC()); err != nil {
			if IsDupKeyError(err) {
				row := tx.QueryRowContext(ctx, lockChannelSQL, id)
				return row.Scan(&c.ID, &c.Title)
			}
			glog.Errorf("insert channel err: %v", err)
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *mysqlStore) Close() error {
	return s.DB.Close()
}

func IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

func isFKError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1452
	}
	return false
}

// newID returns a fresh uuid without dashes.
func newID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}
