package rest

import (
	"errors"
	"fmt"
	"strings"

	"bg-perp-connector/internal/bitget"
)

var ErrMissingCredentials = errors.New("api credentials are required")

// APIError is a response the venue rejected with an error code.
type APIError struct {
	HTTPStatus int
	Code       string
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitget api error: http %d code %s: %s", e.HTTPStatus, e.Code, e.Msg)
}

func IsOrderNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	_, ok := bitget.OrderNotFoundCodes[apiErr.Code]
	return ok
}

// IsTimestampError matches on message text as well as code; the venue is not consistent about the code.
func IsTimestampError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == bitget.TimestampErrorCode || strings.Contains(apiErr.Msg, bitget.TimestampErrorText)
}

// IsRetryable reports transport failures, 5xx and clock errors. Other venue rejections are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	if IsTimestampError(err) {
		return true
	}
	return apiErr.HTTPStatus >= 500 || apiErr.HTTPStatus == 429
}

// IsDuplicateOrder reports a placement rejected because the client order id is already known to the venue.
func IsDuplicateOrder(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == bitget.DuplicateOrderCode || strings.Contains(apiErr.Msg, bitget.DuplicateOrderText)
}

// IsUnconfirmed reports failures after which a request may still have reached the venue:
// transport errors and 5xx responses.
func IsUnconfirmed(err error) bool {
	if err == nil || errors.Is(err, ErrMissingCredentials) {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.HTTPStatus >= 500
}
