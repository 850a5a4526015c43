package history

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/nfrund/relay/internal/protocol"
)

// Log is the append-only store of every message ever sent. It is the
// single source of truth for history. The interface exists so a bounded
// or remote backend can replace the badger store without touching the
// router or the pagination contract.
type Log interface {
	// Append stores a message. Messages are immutable once appended.
	Append(msg protocol.Message) error
	// Page returns up to limit of the most recent non-private messages in
	// room strictly older than before, oldest-to-newest. A zero before
	// means "most recent page". An empty result means no older history.
	Page(room string, before time.Time, limit int) ([]protocol.Message, error)
	// Search returns every non-private message in room whose text content
	// contains the substring case-insensitively, chronologically ascending.
	// Image-only and voice-only messages never match.
	Search(room, substring string) ([]protocol.Message, error)
	Close() error
}

// BadgerLog stores messages in badger. Keys are formatted as
// "msg:{room}:{timestamp_padded}:{uuid}" so that:
//  1. A prefix scan per room walks messages in chronological order
//     (19-digit zero padding makes lexical order numeric order).
//  2. Two messages stamped in the same nanosecond still get distinct
//     keys via the uuid suffix.
type BadgerLog struct {
	db *badger.DB
}

// Open creates a badger-backed log. An empty path keeps the whole log
// in memory, which is the default: durability across restarts is not a
// goal of this store.
func Open(path string) (*BadgerLog, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return &BadgerLog{db: db}, nil
}

func roomPrefix(room string) []byte {
	// Rooms are free-form strings; escaping keeps ":" in a room name from
	// bleeding into another room's key range.
	return []byte("msg:" + url.QueryEscape(room) + ":")
}

func messageKey(msg protocol.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s",
		url.QueryEscape(msg.Room),
		msg.Timestamp.UnixNano(),
		uuid.NewString(),
	))
}

// Append implements Log.
func (l *BadgerLog) Append(msg protocol.Message) error {
	val, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), val)
	})
}

// Page implements Log. It walks the room's key range in reverse from
// just below the cursor, collects up to limit public messages, then
// flips the page to ascending order.
func (l *BadgerLog) Page(room string, before time.Time, limit int) ([]protocol.Message, error) {
	prefix := roomPrefix(room)

	// Seeking to prefix+pad(ts) with no trailing ":" lands strictly below
	// every key stamped at ts, so the page never includes the cursor row.
	var seekKey []byte
	if before.IsZero() {
		seekKey = append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
	} else {
		seekKey = append(append([]byte{}, prefix...), []byte(fmt.Sprintf("%019d", before.UnixNano()))...)
	}

	var page []protocol.Message
	err := l.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if len(page) == limit {
				break
			}
			var msg protocol.Message
			err := it.Item().Value(func(val []byte) error {
				var err error
				msg, err = decodeMessage(val)
				return err
			})
			if err != nil {
				return err
			}
			if msg.Private {
				continue
			}
			page = append(page, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("page history for room %q: %w", room, err)
	}

	// Collected newest-first; callers want oldest-to-newest.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// Search implements Log with a forward scan over the room's key range.
func (l *BadgerLog) Search(room, substring string) ([]protocol.Message, error) {
	prefix := roomPrefix(room)
	needle := strings.ToLower(substring)

	var matches []protocol.Message
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg protocol.Message
			err := it.Item().Value(func(val []byte) error {
				var err error
				msg, err = decodeMessage(val)
				return err
			})
			if err != nil {
				return err
			}
			if msg.Private || msg.Message == "" {
				continue
			}
			if strings.Contains(strings.ToLower(msg.Message), needle) {
				matches = append(matches, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search history for room %q: %w", room, err)
	}
	return matches, nil
}

// Close implements Log.
func (l *BadgerLog) Close() error {
	return l.db.Close()
}
