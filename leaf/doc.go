// Package leaf provides the built-in processors a RecallRecycling can be
// connected to. Each is registered under its child type name:
//
//	copy          mixes the source into the destination scaled by the "gain" port
//	peak          meters the source into the "peak" port
//	silence       clears the destination, or the source of a pass-through leaf
//	countdown     passes the source through for "blocks" ticks, then finishes
//	midi-trigger  emits note on/off messages when the source crosses "threshold"
//
// Use RegisterDefaults to install all of them into a registry.
package leaf
