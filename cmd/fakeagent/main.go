// Command fakeagent is a BLE central that enrolls with and authenticates
// against an agent peripheral.
//
// Usage:
//
//	fakeagent run            # long-running, triggered by hotkeys and stdin
//	fakeagent enroll         # one enrollment session, then exit
//	fakeagent auth           # one authentication session, then exit
//	fakeagent config init    # write ~/.config/fakeagent/config.yaml
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
