package sequencer

import "sync/atomic"

// RecallAudio is the audio-wide level of an effect. Its template carries the
// audio-wide ports.
type RecallAudio struct {
	Base
	audio *Audio
}

// NewRecallAudio creates a RecallAudio template.
func NewRecallAudio(audio *Audio, name string, opts ...TemplateOption) *RecallAudio {
	r := &RecallAudio{audio: audio}
	initTemplate(&r.Base, r, KindAudio, name, opts...)
	return r
}

// Audio returns the audio the recall belongs to.
func (r *RecallAudio) Audio() *Audio { return r.audio }

func (r *RecallAudio) clone(id *RecallID) Recall {
	d := &RecallAudio{audio: r.audio}
	r.duplicateInto(&d.Base, d, id)
	return d
}

// RecallAudioRun is the audio-wide state of one run, for example a beat
// counter shared by the channel runs of that run.
type RecallAudioRun struct {
	Base
	audio *Audio
	ticks atomic.Uint64
}

// NewRecallAudioRun creates a RecallAudioRun template.
func NewRecallAudioRun(audio *Audio, name string, opts ...TemplateOption) *RecallAudioRun {
	r := &RecallAudioRun{audio: audio}
	initTemplate(&r.Base, r, KindAudioRun, name, opts...)
	return r
}

// Audio returns the audio the recall belongs to.
func (r *RecallAudioRun) Audio() *Audio { return r.audio }

// Ticks returns how many ticks the run has seen.
func (r *RecallAudioRun) Ticks() uint64 { return r.ticks.Load() }

func (r *RecallAudioRun) runPre() uint64 {
	if r.flags.Any(FlagTemplate | FlagCancel | FlagDisposed) {
		return r.ticks.Load()
	}
	return r.ticks.Add(1)
}

func (r *RecallAudioRun) clone(id *RecallID) Recall {
	d := &RecallAudioRun{audio: r.audio}
	r.duplicateInto(&d.Base, d, id)
	return d
}
