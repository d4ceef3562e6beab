// Package harness runs scenario files against a world and checks the result.
//
// # Scenario Format
//
// Scenarios are YAML (unknown fields rejected) or CUE files:
//
//	name: economy
//	description: "Interest and upkeep run in one group"
//	config: |
//	  [scheduler]
//	  builder = "dev-isolating"
//	components:
//	  - name: credits
//	    combine: sum
//	    split: proportional
//	  - name: title
//	entities:
//	  - label: alice
//	    values: { credits: 100, title: "founder" }
//	systems:
//	  - name: interest
//	    writes: [credits]
//	    script: |
//	      function update(e)
//	        return { credits = e.credits * 1.1 }
//	      end
//	    transient_failures: 1
//	ticks: 2
//	expect:
//	  effects: [full, full]
//	  alive: { alice: true }
//	  values:
//	    alice: { credits: 121 }
//
// # Components
//
// Components are dynamic (JSON-shaped) types declared by name. combine picks
// how concurrent writes of one tick fold together: sum, max or min for
// numbers, or last (the default) for no combine capability. split picks what
// split_entity does: proportional divides a number by the ratio, duplicate
// (the default) copies the value to both halves.
//
// # Systems
//
// Every system is a Lua script (see package script). transient_failures
// makes the first N activations of the system fail with a retryable error,
// which exercises the configured retry policy.
//
// # Determinism
//
// Entities are spawned in file order and systems registered in file order,
// so entity ids and the final state are identical across runs. The canonical
// final state is what golden files compare.
package harness
