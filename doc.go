// Package tinypg starts disposable PostgreSQL instances for tests and
// tooling. Each instance gets a private data directory, a free loopback
// port, and its own server process; stopping it releases all three.
//
// Typical use:
//
//	db, err := tinypg.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	uri, err := db.Start(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Stop()
//
//	conn, err := pgx.Connect(ctx, uri)
//
// Instances that are never stopped (a crashed test run, a killed process)
// are recorded in an on-disk registry and reclaimed by a background reaper,
// either in-process or via the tinypg CLI's sweep command.
package tinypg
