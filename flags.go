package sequencer

import (
	"fmt"
	"strings"
)

// SoundScope partitions which kind of run a RecallID represents.
type SoundScope int

const (
	ScopeNone SoundScope = iota - 1
	ScopePlayback
	ScopeSequencer
	ScopeNotation
	ScopeWave
	ScopeMIDI
)

var scopeNames = map[SoundScope]string{
	ScopeNone:      "none",
	ScopePlayback:  "playback",
	ScopeSequencer: "sequencer",
	ScopeNotation:  "notation",
	ScopeWave:      "wave",
	ScopeMIDI:      "midi",
}

func (s SoundScope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ParseSoundScope is the inverse of SoundScope.String.
func ParseSoundScope(name string) (SoundScope, error) {
	for scope, n := range scopeNames {
		if n == strings.ToLower(name) {
			return scope, nil
		}
	}
	return ScopeNone, fmt.Errorf("unknown sound scope %q", name)
}

// Ability returns the ability bit matching the scope.
func (s SoundScope) Ability() Ability {
	if s < ScopePlayback || s > ScopeMIDI {
		return 0
	}
	return Ability(1) << uint(s)
}

// Ability is a mask of sound scopes a recall is able to run in.
type Ability uint32

const (
	AbilityPlayback  = Ability(1) << uint(ScopePlayback)
	AbilitySequencer = Ability(1) << uint(ScopeSequencer)
	AbilityNotation  = Ability(1) << uint(ScopeNotation)
	AbilityWave      = Ability(1) << uint(ScopeWave)
	AbilityMIDI      = Ability(1) << uint(ScopeMIDI)

	AbilityAll = AbilityPlayback | AbilitySequencer | AbilityNotation | AbilityWave | AbilityMIDI
)

// Has reports whether every bit of other is set.
func (a Ability) Has(other Ability) bool { return a&other == other }

// Matches reports whether a recall with ability a may run in scope.
func (a Ability) Matches(scope SoundScope) bool {
	bit := scope.Ability()
	return bit != 0 && a&bit != 0
}

// Behaviour tunes how instances react to run events.
type Behaviour uint32

const (
	// Persistent instances are never reaped when their leaves finish.
	BehaviourPersistent Behaviour = 1 << iota
	// ChainedToOutput marks recalls whose destination is an output channel.
	BehaviourChainedToOutput
)

// Flags carry lifecycle state of a recall.
type Flags uint32

const (
	FlagTemplate Flags = 1 << iota
	FlagRunInitialized
	FlagRemove
	FlagCancel
	FlagDone
	FlagTemplateScope
	FlagDisposed
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagTemplate, "template"},
	{FlagRunInitialized, "run-initialized"},
	{FlagRemove, "remove"},
	{FlagCancel, "cancel"},
	{FlagDone, "done"},
	{FlagTemplateScope, "template-scope"},
	{FlagDisposed, "disposed"},
}

func (f Flags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Kind discriminates the closed set of recall variants.
type Kind int

const (
	KindAudio Kind = iota
	KindAudioRun
	KindChannel
	KindChannelRun
	KindRecycling
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "recall-audio"
	case KindAudioRun:
		return "recall-audio-run"
	case KindChannel:
		return "recall-channel"
	case KindChannelRun:
		return "recall-channel-run"
	case KindRecycling:
		return "recall-recycling"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
