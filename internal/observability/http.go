package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ClientInfo identifies the origin of a gateway request.
type ClientInfo struct {
	DeviceID  string
	RequestID string
	IP        string
}

// ClientInfoFromRequest reads the client headers; a missing request id is generated.
func ClientInfoFromRequest(r *http.Request) ClientInfo {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return ClientInfo{
		DeviceID:  r.Header.Get("X-Device-Id"),
		RequestID: requestID,
		IP:        IPFromRequest(r),
	}
}

func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
