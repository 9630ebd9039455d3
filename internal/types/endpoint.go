package types

import (
	"net"
	"net/url"
	"strconv"
)

// Endpoint describes one PLC OPC UA server.
//
// The credentials are embedded in the URL because the PLC programs this
// bridge talks to were set up that way. Use Redacted for anything that ends
// up in logs or API responses.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

func (e Endpoint) URL() string {
	return e.render(url.UserPassword(e.Username, e.Password))
}

func (e Endpoint) Redacted() string {
	if e.Password == "" {
		return e.render(url.User(e.Username))
	}
	return e.render(url.UserPassword(e.Username, "xxxxx"))
}

// Address is the URL without any user information.
func (e Endpoint) Address() string {
	return e.render(nil)
}

func (e Endpoint) render(user *url.Userinfo) string {
	u := url.URL{
		Scheme: "opc.tcp",
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   "/",
	}
	if user != nil && e.Username != "" {
		u.User = user
	}
	return u.String()
}
