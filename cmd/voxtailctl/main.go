// Command voxtailctl drives a voxtail server from the shell: it uploads
// recordings, follows meeting sessions and manages voice profiles.
//
// Usage:
//
//	voxtailctl [--server URL] <command> [args]
//
// Commands:
//
//	identify   - upload a recording and print the identified speakers
//	meeting    - inspect, watch, summarize or close a meeting session
//	speakers   - list, enroll, delete or resync voice profiles
//	consent    - record a consent acceptance
//	store      - operate on the profile store directly, without a server
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
