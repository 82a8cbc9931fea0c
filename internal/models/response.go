package models

type JobListResponse struct {
	Jobs []GenerationJob `json:"jobs"`
}

type ScenesResponse struct {
	Scenes []Scene `json:"scenes"`
}

type UploadResponse struct {
	StoragePath string `json:"storage_path"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
}

type CreditsResponse struct {
	Balance int `json:"balance"`
}

type LedgerResponse struct {
	Entries []LedgerEntry `json:"entries"`
	Net     int           `json:"net"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
