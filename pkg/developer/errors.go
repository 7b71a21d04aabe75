package developer

import (
	"errors"
	"fmt"
)

// APIError is a non-zero result from either developer-services dialect.
type APIError struct {
	URL      string
	Code     int
	HTTPCode int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("developer api %s returned %d (http %d): %s", e.URL, e.Code, e.HTTPCode, e.Message)
}

// IsCode reports whether err is an APIError carrying the given result code.
func IsCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

var (
	// ErrNoTeams means the account holds no developer program membership.
	ErrNoTeams = errors.New("developer: account has no teams")

	// ErrTeamChoiceRequired means the account has several teams and the
	// caller must pick one explicitly.
	ErrTeamChoiceRequired = errors.New("developer: multiple teams available, explicit selection required")
)
