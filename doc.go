// Package sequencer keeps a recall graph in step with a changing channel
// topology.
//
// Effects are installed on an Audio as templates held by a RecallContainer.
// Every run of the audio (a RecallID in a RecyclingContext) duplicates the
// templates whose ability matches its sound scope. A RecallChannelRun owns
// one RecallRecycling leaf per (source, destination) recycling pair and
// keeps that set exact while the Topology links, grows and shrinks channels.
//
// Mutations are serialized through the Engine's Dispatcher. Engine.Tick runs
// the leaves of every run in a scope without taking graph locks; removed
// leaves are released by a reclaimer once no tick can still see them.
package sequencer
