// Package crawler resolves and executes external crawler jobs.
//
// A Job names a folder under the Crawler asset directory and the entry
// script inside it. Resolver turns a Job into absolute paths by probing two
// layouts:
//
//	<base>/../../../Crawler/<job>/<script>   source tree (development)
//	<base>/Crawler/<job>/<script>            deployed next to the binary
//
// Executor runs `<interpreter> <script>` in the script's directory with
// stdout and stderr captured, and classifies the run as a Result. It never
// returns an error: every failure is a Result status.
package crawler
