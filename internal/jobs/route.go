package jobs

import (
	"net/http"
	"strings"
)

// ParseRoute extracts the job ID and action from a URL path like /api/jobs/{id}/{action}.
// apiPrefix should be like "/api/jobs/", idPrefix should be like "bulk-".
// Returns the normalized job ID and action, or empty strings if the path is invalid.
func ParseRoute(path, apiPrefix, idPrefix string) (jobID, action string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	if len(parts) < 2 {
		return "", "", false
	}

	jobID = parts[0]
	if !strings.HasPrefix(jobID, idPrefix) {
		jobID = idPrefix + jobID
	}
	return jobID, parts[1], true
}

// CheckOwnership verifies the batchId query param matches the batch a job
// belongs to. Callers respond 404 on failure so a foreign batch id leaks
// nothing about job existence.
func CheckOwnership(r *http.Request, jobBatchID string) bool {
	batchID := r.URL.Query().Get("batchId")
	return batchID != "" && batchID == jobBatchID
}
