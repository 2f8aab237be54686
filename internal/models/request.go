package models

// StartRequest asks the server to start a captioning job. Zero values fall back
// to the server's configuration.
type StartRequest struct {
	APIKey    string `json:"api_key,omitempty"`
	Provider  string `json:"provider,omitempty"`
	ParentDir string `json:"parent_dir,omitempty"`
	Model     string `json:"model,omitempty"`
	NumViews  int    `json:"num_views,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	// RateLimitDelay is in seconds.
	RateLimitDelay *float64 `json:"rate_limit_delay,omitempty"`
	Overwrite      bool     `json:"overwrite,omitempty"`
	// UseRanking defaults to true when omitted.
	UseRanking        *bool    `json:"use_ranking,omitempty"`
	UseInlineTemplate bool     `json:"use_inline_template,omitempty"`
	InlineTemplate    Template `json:"inline_template,omitempty"`
	TemplateFile      string   `json:"template_file,omitempty"`
	ObjectPaths       []string `json:"object_paths,omitempty"`
}

// StartResponse acknowledges a started job.
type StartResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// StopResponse reports the outcome of a stop request.
type StopResponse struct {
	Status string `json:"status"`
}

// Stop statuses.
const (
	StopStatusStopped    = "stopped"
	StopStatusStopping   = "stopping"
	StopStatusNotRunning = "not_running"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ImageData is one preview image of an item.
type ImageData struct {
	Name string `json:"name"`
	Data string `json:"data"`
}
