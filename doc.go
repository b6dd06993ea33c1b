// Package pilotstreams runs pilot jobs through a pipeline of stage components
// connected by queues and pubsub channels.
//
// # Architecture
//
// A pilot is a fixed set of cores on one host. Units, one executable each,
// move through the agent stages by state:
//
//	┌──────────────┐   ┌───────────┐   ┌──────────┐   ┌───────────────┐
//	│ StagingInput │ → │ Scheduler │ → │ Executor │ → │ StagingOutput │
//	└──────────────┘   └───────────┘   └──────────┘   └───────────────┘
//	        ↑                ↑ state notifications           │
//	   manager.Submit        └──────────── pubsub ───────────┘
//
// Every stage is a component: a goroutine running a round-robin loop over
// its input queues, dispatching each unit to the worker bound to the unit
// state and forwarding it with Advance. State changes are published on the
// "state" topic, which the scheduler uses to release cores and the unit
// manager uses to track progress.
//
// # Packages
//
//   - unit: unit descriptions, states and the wire format
//   - component: bindings, the dispatch loop, Advance and Publish, ownership
//   - queue, pubsub: in-process and NATS transports
//   - bridge: resolves channel names to transport addresses
//   - agent: the four pilot stages
//   - manager: submission, tracking, Wait and the unit store
//   - profile: per-unit event records and their analysis
//   - notify, api: websocket and HTTP surfaces
//   - config, metric, health, errors, natsclient: shared infrastructure
//
// # Transports
//
// Channels default to the in-process broker and bus. Mapping a channel name
// to a "nats://" address in the bridges section moves it onto JetStream
// (queues) or core NATS (pubsub), so stages can run in separate processes:
//
//	{
//	  "nats": {"urls": ["nats://localhost:4222"]},
//	  "bridges": {"agent_executing_queue": "nats://localhost:4222"},
//	  "stages": {"executor": {"instances": 0}}
//	}
//
// The binary in cmd/pilotagent wires everything into one agent process.
package pilotstreams
