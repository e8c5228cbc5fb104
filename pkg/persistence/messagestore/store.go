package messagestore

import (
	"context"

	"github.com/go-go-golems/parlor/pkg/chat"
)

// Store persists the ordered message history of each conversation.
// AppendMessage assigns the next per-conversation seq and returns the stored message.
type Store interface {
	AppendMessage(ctx context.Context, convID string, msg chat.Message) (chat.Message, error)
	ListMessages(ctx context.Context, convID string) ([]chat.Message, error)
	Close() error
}

// Open returns the store selected by driver ("sqlite" or "memory").
// memoryMax caps messages per conversation for the memory driver, 0 keeps all.
func Open(driver, path string, memoryMax int) (Store, error) {
	switch driver {
	case "", "memory":
		return NewInMemoryStore(memoryMax), nil
	case "sqlite":
		dsn, err := SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	default:
		return nil, errUnknownDriver(driver)
	}
}
