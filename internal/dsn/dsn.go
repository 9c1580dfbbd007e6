// Package dsn carries the delivery status notification values handed to the
// mail-transfer collaborator when the pipeline refuses or redirects a
// message. Only the codes the routing engine actually produces live here.
package dsn

import "fmt"

// Status is an SMTP reply code plus RFC 3463 enhanced status code.
type Status struct {
	Code     int    `json:"code"`
	Enhanced string `json:"enhanced"`
	Message  string `json:"message"`
}

func (s Status) String() string {
	return fmt.Sprintf("%d %s %s", s.Code, s.Enhanced, s.Message)
}

// SecurityUnauthorized is the status used when no delivery destination can be
// determined for a recipient: delivery not authorized.
func SecurityUnauthorized(msg string) Status {
	return Status{Code: 550, Enhanced: "5.7.1", Message: msg}
}

// BadDestinationSystem marks a destination the forwarding path could not use.
func BadDestinationSystem(msg string) Status {
	return Status{Code: 550, Enhanced: "5.1.2", Message: msg}
}
