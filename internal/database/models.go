package database

import "time"

// User is an account that can hold session tokens and API keys.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Disabled     bool      `json:"disabled"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// APIKeyRow is the persisted record of an issued API key. Expiry is a
// read-time predicate; revoked is the only state transition and is terminal.
type APIKeyRow struct {
	Key       string     `json:"key"`
	UserID    int64      `json:"user_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
	CreatedAt time.Time  `json:"created_at"`
}

// UsageRow is one backend call's accounting record. Append-only.
type UsageRow struct {
	TS               time.Time              `json:"ts"`
	APIType          string                 `json:"api_type"`
	UserID           int64                  `json:"user_id"`
	Model            string                 `json:"model"`
	RequestID        string                 `json:"request_id"`
	PromptTokens     int                    `json:"prompt_tokens"`
	CompletionTokens *int                   `json:"completion_tokens,omitempty"`
	TotalTokens      int                    `json:"total_tokens"`
	InputCount       *int                   `json:"input_count,omitempty"`
	ExtraData        map[string]interface{} `json:"extra_data,omitempty"`
	Host             string                 `json:"host"`
	PID              int                    `json:"pid"`
}
