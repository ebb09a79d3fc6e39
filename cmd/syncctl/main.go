// Command syncctl drives the sync engine from the command line: run a
// sync cycle for one collection, apply pending schema migrations,
// inspect conflicts, or reset/wipe a collection's local state.
package main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
