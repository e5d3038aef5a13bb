package google

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/ternarybob/handover/internal/models"
)

// IsUnauthorized reports whether err means the access token was rejected
func IsUnauthorized(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized
	}
	return false
}

// IsNotFound reports whether err means the resource does not exist
func IsNotFound(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound
	}
	return false
}

// IsRateLimited reports whether err is a 429 or a 403 rate-limit reason
func IsRateLimited(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == http.StatusTooManyRequests {
		return true
	}
	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded":
				return true
			}
		}
	}
	return false
}

// IsRetryable reports whether the call may succeed if repeated
func IsRetryable(err error) bool {
	if IsRateLimited(err) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= http.StatusInternalServerError
	}
	return false
}

// RetryAfter returns the server's Retry-After hint, or 0
func RetryAfter(err error) time.Duration {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Header == nil {
		return 0
	}
	seconds, convErr := strconv.Atoi(gerr.Header.Get("Retry-After"))
	if convErr != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// WrapError classifies a Google API error: 401 becomes an auth error and
// every other API failure an upstream error.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var taskErr *models.TaskError
	if errors.As(err, &taskErr) {
		return err
	}
	if IsUnauthorized(err) {
		return models.NewTaskError(models.KindAuth, op, err)
	}
	return models.NewTaskError(models.KindUpstreamAPI, op, err)
}
