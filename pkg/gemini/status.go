package gemini

import "fmt"

// Status is a two-digit gemini response status.
type Status int

const (
	StatusInput                    Status = 10
	StatusSuccess                  Status = 20
	StatusRedirect                 Status = 30
	StatusTemporaryFailure         Status = 40
	StatusProxyError               Status = 43
	StatusSlowDown                 Status = 44
	StatusPermanentFailure         Status = 50
	StatusNotFound                 Status = 51
	StatusBadRequest               Status = 59
	StatusCertificateRequired      Status = 60
	StatusCertificateNotAuthorized Status = 61
)

var statusText = map[Status]string{
	StatusInput:                    "Input",
	StatusSuccess:                  "Success",
	StatusRedirect:                 "Redirect",
	StatusTemporaryFailure:         "Temporary failure",
	StatusProxyError:               "Proxy error",
	StatusSlowDown:                 "Slow down",
	StatusPermanentFailure:         "Permanent failure",
	StatusNotFound:                 "Not found",
	StatusBadRequest:               "Bad request",
	StatusCertificateRequired:      "Certificate required",
	StatusCertificateNotAuthorized: "Certificate not authorized",
}

// Class returns the first digit of the status.
func (s Status) Class() int {
	return int(s) / 10
}

func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Label is the status as it appears on the wire, used for metric labels.
func (s Status) Label() string {
	return fmt.Sprintf("%02d", int(s))
}
