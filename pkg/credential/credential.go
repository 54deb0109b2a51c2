// Package credential defines the privilege tiers used to open backend connections
// and the connection profile configured for each tier.
package credential

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Class is the privilege tier a connection is opened with.
type Class string

const (
	// Restricted is the default tier, limited by row-level policies on the backend.
	Restricted Class = "restricted"
	// Elevated bypasses backend policies and requires a server-side secret.
	Elevated Class = "elevated"
)

// Classes lists every known credential class in a stable order.
var Classes = []Class{Restricted, Elevated}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	return c == Restricted || c == Elevated
}

// RequiresSecret reports whether opening a connection of this class needs a secret.
func (c Class) RequiresSecret() bool {
	return c == Elevated
}

func (c Class) String() string {
	return string(c)
}

// Profile describes how to reach the backend with one credential class.
type Profile struct {
	Driver            string            `yaml:"driver"`
	Host              string            `yaml:"host"`
	Port              int               `yaml:"port"`
	Database          string            `yaml:"database"`
	Username          string            `yaml:"username"`
	Password          string            `yaml:"password"`
	ConnectionTimeout time.Duration     `yaml:"connection_timeout"`
	Params            map[string]string `yaml:"params"`
}

// Configured reports whether the profile has enough to open a connection.
func (p *Profile) Configured() bool {
	return p != nil && p.Driver != "" && p.Host != ""
}

// Addr returns the host:port address of the backend.
func (p *Profile) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// DSN returns the driver specific connection string for this profile.
func (p *Profile) DSN() (string, error) {
	switch p.Driver {
	case "pgx", "postgres":
		return p.postgresDSN(), nil
	case "sqlserver":
		return p.sqlServerDSN(), nil
	case "mysql":
		return p.mysqlDSN(), nil
	default:
		return "", fmt.Errorf("unsupported driver %q", p.Driver)
	}
}

func (p *Profile) postgresDSN() string {
	q := url.Values{}
	for k, v := range p.Params {
		q.Set(k, v)
	}
	if p.ConnectionTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(p.ConnectionTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.Username, p.Password),
		Host:     p.Addr(),
		Path:     "/" + p.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (p *Profile) sqlServerDSN() string {
	q := url.Values{}
	for k, v := range p.Params {
		q.Set(k, v)
	}
	q.Set("database", p.Database)
	if p.ConnectionTimeout > 0 {
		q.Set("connection timeout", strconv.Itoa(int(p.ConnectionTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(p.Username, p.Password),
		Host:     p.Addr(),
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (p *Profile) mysqlDSN() string {
	cfg := mysql.NewConfig()
	cfg.User = p.Username
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = p.Addr()
	cfg.DBName = p.Database
	cfg.ParseTime = true
	cfg.Timeout = p.ConnectionTimeout
	if len(p.Params) > 0 {
		cfg.Params = make(map[string]string, len(p.Params))
		for k, v := range p.Params {
			cfg.Params[k] = v
		}
	}
	return cfg.FormatDSN()
}
