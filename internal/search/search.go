package search

// Result is a single message hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	ThreadID  string `json:"threadId,omitempty"`
	UserID    string `json:"userId"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text      string
	ChannelID string // empty = all channels
	ThreadID  string // empty = all threads
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	ThreadID  string `json:"threadId,omitempty"`
	UserID    string `json:"userId"`
	Body      string `json:"body"`
}
