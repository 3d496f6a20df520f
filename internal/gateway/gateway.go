// Package gateway owns the single serialized connection to the database,
// through which every other component issues parameterized SQL, quotes
// identifiers/literals, and runs EXPLAIN.
package gateway

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/elliotchance/sshtunnel"
	"golang.org/x/crypto/ssh"

	_ "github.com/lib/pq" // register the "postgres" driver

	"cobber.com/pgindexadvisor/internal/connstring"
	"cobber.com/pgindexadvisor/internal/utils"
	"cobber.com/sqlrows"
)

// Gateway owns the process's single database/sql connection.
type Gateway struct {
	tunnel *sshtunnel.SSHTunnel
	db     *sql.DB
	rows   sqlrows.Scanner
	dbName string

	LogSQL bool
	Logger func(format string, args ...interface{})
}

// Open resolves opts.DBName through connstring, establishes an optional SSH
// tunnel, connects, pings, and runs session setup plus HypoPG bootstrap.
// Any returned error is a configuration or environment failure the caller
// should abort on.
func Open(opts utils.Options) (*Gateway, error) {
	target, err := connstring.Parse(opts.DBName)
	if err != nil {
		return nil, fmt.Errorf("invalid --dbname %q: %w", opts.DBName, err)
	}

	g := &Gateway{dbName: target.DatabaseName()}

	if opts.TunnelHost != "" {
		tunnel, err := newTunnel(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to establish tunnel: %w", err)
		}
		g.tunnel = tunnel
		go tunnel.Start()
		time.Sleep(500 * time.Millisecond)
	}

	dsn := buildDSN(opts, target, g.tunnel)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	g.db = db
	g.rows = sqlrows.New(db)

	if err := g.sessionSetup(); err != nil {
		return nil, err
	}
	if err := g.EnsureHypoPG(); err != nil {
		return nil, err
	}

	return g, nil
}

func newTunnel(opts utils.Options) (*sshtunnel.SSHTunnel, error) {
	var auth ssh.AuthMethod
	if opts.TunnelPrivateKeyFile != "" {
		auth = privateKeyFile(opts.TunnelPrivateKeyFile)
	}

	return sshtunnel.NewSSHTunnel(
		opts.TunnelUsername+"@"+opts.TunnelHost,
		auth,
		opts.Host+":"+strconv.Itoa(opts.Port),
		"0",
	)
}

// privateKeyFile loads an unencrypted private key for the SSH tunnel
// (tunnel keys here are assumed passphrase-free).
func privateKeyFile(path string) ssh.AuthMethod {
	buffer, err := os.ReadFile(path)
	if err != nil {
		log.Printf("ERROR: Failed to read tunnel private key %q, error: %v\n", path, err)
		return nil
	}

	key, err := ssh.ParsePrivateKey(buffer)
	if err != nil {
		log.Printf("ERROR: Failed to parse tunnel private key %q, error: %v\n", path, err)
		return nil
	}

	return ssh.PublicKeys(key)
}

// buildDSN merges the CLI host/port/user/password defaults with whatever
// the --dbname target itself carried (a URI or key=value string may specify
// its own host/user/password), preferring the target's values.
func buildDSN(opts utils.Options, target connstring.Target, tunnel *sshtunnel.SSHTunnel) string {
	host, port, user, password, dbname := opts.Host, opts.Port, opts.Username, opts.Password, target.DatabaseName()

	switch target.Kind {
	case connstring.URI:
		if target.URL.Hostname() != "" {
			host = target.URL.Hostname()
		}
		if target.URL.Port() != "" {
			if p, err := strconv.Atoi(target.URL.Port()); err == nil {
				port = p
			}
		}
		if u := target.URL.User.Username(); u != "" {
			user = u
		}
		if p, ok := target.URL.User.Password(); ok {
			password = p
		}
	case connstring.KeyValue:
		if v, ok := target.Pairs["host"]; ok {
			host = v
		}
		if v, ok := target.Pairs["user"]; ok {
			user = v
		}
		if v, ok := target.Pairs["password"]; ok {
			password = v
		}
	}

	if tunnel != nil {
		host = "localhost"
		port = tunnel.Local.Port
	}

	if password == "" {
		password = "''"
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)
}

// sessionSetup applies the per-session parameters every connection needs.
func (g *Gateway) sessionSetup() error {
	for _, stmt := range []string{
		`SET lock_timeout = '5s'`,
		`SET client_min_messages = warning`,
	} {
		if _, err := g.db.Exec(stmt); err != nil {
			return fmt.Errorf("session setup %q failed: %w", stmt, err)
		}
	}
	return nil
}

// DBName returns the resolved database name.
func (g *Gateway) DBName() string { return g.dbName }

// DB exposes the underlying connection for components that need the full
// database/sql surface (e.g. transactions for the advisory-locked applier).
func (g *Gateway) DB() *sql.DB { return g.db }

// Close releases the connection and, if present, the SSH tunnel.
func (g *Gateway) Close() error {
	if g.tunnel != nil {
		g.tunnel.Close()
	}
	if g.db != nil {
		return g.db.Close()
	}
	return nil
}

func (g *Gateway) logSQL(stmt string) {
	if !g.LogSQL {
		return
	}
	if g.Logger != nil {
		g.Logger("SQL: %s", stmt)
	} else {
		log.Printf("SQL: %s\n", stmt)
	}
}

// Exec runs exactly one parameterized SQL command.
func (g *Gateway) Exec(stmt string, args ...interface{}) (sql.Result, error) {
	g.logSQL(stmt)
	result, err := g.db.Exec(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("database %s: exec %q failed: %w", g.dbName, stmt, err)
	}
	return result, nil
}

// QueryRows runs a parameterized query and invokes processor per row.
func (g *Gateway) QueryRows(query string, args []interface{}, processor sqlrows.RowProcessor) error {
	g.logSQL(query)
	return g.rows.ExecuteQueryRows(query, args, processor)
}

// QueryRow runs a parameterized single-column, single-row query.
func (g *Gateway) QueryRow(query string, args ...interface{}) (interface{}, error) {
	g.logSQL(query)
	return g.rows.ExecuteQueryRow(query, args)
}

// Analyze runs ANALYZE on table to refresh its planner statistics.
func (g *Gateway) Analyze(table string) error {
	_, err := g.Exec(fmt.Sprintf("ANALYZE %s", QuoteIdentifier(table)))
	return err
}
