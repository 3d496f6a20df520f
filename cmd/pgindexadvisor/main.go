/*
 * Copyright 2024 Tim Segall
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"cobber.com/pgindexadvisor/internal/advisor"
	"cobber.com/pgindexadvisor/internal/applier"
	"cobber.com/pgindexadvisor/internal/catalog"
	"cobber.com/pgindexadvisor/internal/gateway"
	"cobber.com/pgindexadvisor/internal/hypo"
	"cobber.com/pgindexadvisor/internal/query"
	"cobber.com/pgindexadvisor/internal/reporter"
	"cobber.com/pgindexadvisor/internal/source"
	"cobber.com/pgindexadvisor/internal/utils"
)

const (
	host       = "localhost"
	port       = 5432
	username   = "postgres"
	tunnelPort = 22
)

func main() {
	var opts utils.Options

	flag.StringVar(&opts.Host, "host", host, "database server host")
	flag.IntVarP(&opts.Port, "port", "p", port, "database server port")
	flag.StringVarP(&opts.DBName, "dbname", "d", "", "database name, URI, or key=value connection string")
	flag.StringVarP(&opts.Username, "username", "U", username, "database user")
	flag.StringVar(&opts.Password, "password", "", "database password")

	flag.StringVarP(&opts.Statement, "statement", "s", "", "evaluate this single statement, then exit")
	flag.BoolVar(&opts.Create, "create", false, "enable index creation")
	flag.IntVar(&opts.Interval, "interval", 60, "batch cadence in seconds on a streaming source")
	flag.IntVar(&opts.MinTimeMinutes, "min-time", 0, "minimum accumulated-time filter, in minutes")
	flag.StringVar(&opts.Exclude, "exclude", "", "comma-list of tables never to index")
	flag.StringVar(&opts.Include, "include", "", "comma-list restricting consideration to these tables")
	flag.StringVar(&opts.LogLevel, "log-level", "info", "info|debug|debug2|debug3|error")
	flag.BoolVar(&opts.LogSQL, "log-sql", false, "echo every SQL statement issued")
	flag.BoolVar(&opts.PgStatStatements, "pg-stat-statements", false, "use the statistics view as source instead of stdin")
	flag.BoolVar(&opts.Version, "version", false, "print version number")

	flag.StringVar(&opts.TunnelHost, "tunnelHost", "", "hostname of tunnel server")
	flag.IntVar(&opts.TunnelPort, "tunnelPort", tunnelPort, "port for tunnel server")
	flag.StringVar(&opts.TunnelPrivateKeyFile, "tunnelPrivateKeyFile", "", "path to private key file")
	flag.StringVar(&opts.TunnelUsername, "tunnelUsername", "", "username for tunnel server")

	flag.Parse()
	opts.Files = flag.Args()

	if opts.Version {
		fmt.Println(utils.GetVersionString())
		return
	}

	rep := reporter.New(reporter.ParseLevel(opts.LogLevel))

	gw, err := gateway.Open(opts)
	if err != nil {
		log.Fatalf("ERROR: %v\n", err)
	}
	defer gw.Close()
	gw.LogSQL = opts.LogSQL

	cat := catalog.New(gw, "public")
	hyp := hypo.New(gw)
	eval := advisor.New(gw, cat, hyp, rep)
	eval.Exclude = toSet(opts.Exclude)
	eval.Include = toSet(opts.Include)
	app := applier.New(gw, cat)

	batches, err := sourceFor(opts, gw)
	if err != nil {
		log.Fatalf("ERROR: %v\n", err)
	}

	for {
		queries, ok, err := batches.Next()
		if err != nil {
			log.Printf("ERROR: failed to read next batch: %v\n", err)
		} else {
			if err := runBatch(eval, app, queries, opts.Create); err != nil {
				log.Printf("ERROR: batch evaluation failed: %v\n", err)
			}
		}
		if !ok {
			break
		}
		if opts.Statement != "" || len(opts.Files) > 0 {
			break
		}
		time.Sleep(time.Duration(opts.Interval) * time.Second)
	}
}

func runBatch(eval *advisor.Evaluator, app *applier.Applier, queries []*query.Query, create bool) error {
	suggestions, err := eval.Evaluate(queries)
	if err != nil {
		return err
	}
	if !create {
		return nil
	}
	return app.Apply(suggestions)
}

func sourceFor(opts utils.Options, gw *gateway.Gateway) (source.Batch, error) {
	switch {
	case opts.Statement != "":
		stmt, err := utils.OptionallyFromFile(opts.Statement)
		if err != nil {
			return nil, err
		}
		return source.NewStatementSource(stmt), nil
	case len(opts.Files) > 0:
		return source.NewFileSource(opts.Files)
	case opts.PgStatStatements:
		return source.NewStatsSource(gw, opts.MinTimeMinutes), nil
	default:
		return source.NewLogSource(os.Stdin, time.Duration(opts.Interval)*time.Second, opts.MinTimeMinutes), nil
	}
}

func toSet(csv string) map[string]bool {
	if csv == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, t := range strings.Split(csv, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			set[t] = true
		}
	}
	return set
}
