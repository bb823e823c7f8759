package proxy

import "net/http"

// Method is the closed set of methods relayed to the backend.
type Method int

const (
	MethodGet Method = iota + 1
	MethodPost
	MethodPut
	MethodDelete
)

// ParseMethod maps an HTTP method onto the relayed set.
func ParseMethod(s string) (Method, bool) {
	switch s {
	case http.MethodGet:
		return MethodGet, true
	case http.MethodPost:
		return MethodPost, true
	case http.MethodPut:
		return MethodPut, true
	case http.MethodDelete:
		return MethodDelete, true
	default:
		return 0, false
	}
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return http.MethodGet
	case MethodPost:
		return http.MethodPost
	case MethodPut:
		return http.MethodPut
	case MethodDelete:
		return http.MethodDelete
	default:
		return "UNKNOWN"
	}
}

// HasBody reports whether the inbound body is forwarded.
func (m Method) HasBody() bool {
	return m == MethodPost || m == MethodPut
}

// ForwardsQuery reports whether the inbound query string is forwarded.
func (m Method) ForwardsQuery() bool {
	return m == MethodGet
}
