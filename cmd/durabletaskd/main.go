// Command durabletaskd runs a durable task orchestration worker: it
// leases a share of a task hub's control partitions, dispatches
// orchestration and activity work items to a host process over the
// client API, and exposes a small HTTP surface for health and
// read-only orchestration inspection.
package main

func main() {
	Execute()
}
