// Command pipeline serves HTTP requests through a configurable middleware
// pipeline: request IDs, request logging, metrics, CORS, fixed-window rate
// limiting and timeouts, in front of an upstream service or a built-in echo
// handler.
//
// Usage:
//
//	# Serve with defaults (echo handler on :8080)
//	pipeline serve
//
//	# Serve with a config file, reloading it on change
//	pipeline serve --config pipeline.yaml --watch
//
//	# Check a config file
//	pipeline validate --config pipeline.yaml
package main

func main() {
	Execute()
}
