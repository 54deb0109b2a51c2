// Command registryd runs the civil registry data-access layer: a bounded
// connection pool, a query cache and retrying executor behind a read API,
// with health and Prometheus endpoints.
package main

import "log"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	Execute()
}
