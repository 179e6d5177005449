package coremem

import "time"

// BlockType enumerates the core memory block kinds.
type BlockType string

const (
	BlockPersona BlockType = "persona"
	BlockHuman   BlockType = "human"
	BlockTask    BlockType = "task"
)

func validBlockType(t BlockType) bool {
	switch t {
	case BlockPersona, BlockHuman, BlockTask:
		return true
	}
	return false
}

// DefaultCharLimit applies when an edit does not set one.
const DefaultCharLimit = 2000

// Scope identifies the owner of a block. Exactly one field is set.
type Scope struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Valid reports whether exactly one scope field is set.
func (s Scope) Valid() bool {
	return (s.UserID == "") != (s.SessionID == "")
}

// Block is one scoped core memory block.
type Block struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	BlockType BlockType `json:"block_type"`
	Content   string    `json:"content"`
	CharLimit int       `json:"char_limit"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is one append-only revision of a block.
type Version struct {
	ID        string    `json:"id"`
	BlockID   string    `json:"block_id"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
